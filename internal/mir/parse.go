package mir

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTy parses the canonical spelling produced by Ty.CanonicalName.
//
// Anything that is not one of the builtin forms parses as Named, so
// generic instantiations such as "Map<K, V>" keep their full spelling.
func ParseTy(s string) (Ty, error) {
	p := &tyParser{src: s}
	ty, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("parse type %q: trailing input at %d", s, p.pos)
	}
	return ty, nil
}

// MustParseTy is like ParseTy but panics on error.
// Use only in tests or for literal types.
func MustParseTy(s string) Ty {
	ty, err := ParseTy(s)
	if err != nil {
		panic(err)
	}
	return ty
}

type tyParser struct {
	src string
	pos int
}

func (p *tyParser) errorf(format string, args ...any) error {
	return fmt.Errorf("parse type %q at %d: %s", p.src, p.pos, fmt.Sprintf(format, args...))
}

func (p *tyParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *tyParser) rest() string {
	return p.src[p.pos:]
}

func (p *tyParser) consume(prefix string) bool {
	if strings.HasPrefix(p.rest(), prefix) {
		p.pos += len(prefix)
		return true
	}
	return false
}

func (p *tyParser) expect(prefix string) error {
	p.skipSpace()
	if !p.consume(prefix) {
		return p.errorf("expected %q", prefix)
	}
	return nil
}

func (p *tyParser) parse() (Ty, error) {
	ty, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}
	for p.pos < len(p.src) && p.src[p.pos] == '?' {
		p.pos++
		ty = Nullable{Elem: ty}
	}
	return ty, nil
}

func (p *tyParser) parsePrefix() (Ty, error) {
	p.skipSpace()
	switch {
	case p.consume("()"):
		return Unit{}, nil
	case p.consume("*mut "):
		elem, err := p.parse()
		return Pointer{Elem: elem, Mutable: true}, err
	case p.consume("*const "):
		elem, err := p.parse()
		return Pointer{Elem: elem}, err
	case p.consume("&mut "):
		elem, err := p.parse()
		return Ref{Elem: elem, Mutable: true}, err
	case p.consume("&"):
		elem, err := p.parse()
		return Ref{Elem: elem}, err
	case p.consume("dyn "):
		name := p.ident()
		if name == "" {
			return nil, p.errorf("expected trait name")
		}
		return TraitObject{Trait: name}, nil
	case p.consume("extern fn("):
		return p.parseFn(true)
	case p.consume("fn("):
		return p.parseFn(false)
	case p.consume("("):
		elems, err := p.parseList(")")
		if err != nil {
			return nil, err
		}
		return Tuple{Elems: elems}, nil
	case p.consume("["):
		elem, err := p.parse()
		if err != nil {
			return nil, err
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		p.skipSpace()
		n, err := p.number()
		if err != nil {
			return nil, err
		}
		if err := p.expect("]"); err != nil {
			return nil, err
		}
		return Array{Elem: elem, Len: n}, nil
	}

	name := p.ident()
	if name == "" {
		return nil, p.errorf("expected type")
	}
	if !p.consume("<") {
		switch name {
		case "str":
			return Str{}, nil
		case "string", "String":
			return String{}, nil
		}
		return Named{Name: name}, nil
	}
	args, err := p.parseList(">")
	if err != nil {
		return nil, err
	}
	if len(args) == 1 {
		switch name {
		case "Vec":
			return Vec{Elem: args[0]}, nil
		case "Span":
			return Span{Elem: args[0]}, nil
		case "ReadOnlySpan":
			return Span{Elem: args[0], Readonly: true}, nil
		case "Rc":
			return Rc{Elem: args[0]}, nil
		case "Arc":
			return Arc{Elem: args[0]}, nil
		}
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.CanonicalName()
	}
	return Named{Name: name + "<" + strings.Join(parts, ", ") + ">"}, nil
}

func (p *tyParser) parseFn(extern bool) (Ty, error) {
	params, err := p.parseList(")")
	if err != nil {
		return nil, err
	}
	fn := Fn{Params: params, Extern: extern}
	p.skipSpace()
	if p.consume("->") {
		ret, err := p.parse()
		if err != nil {
			return nil, err
		}
		if _, unit := ret.(Unit); !unit {
			fn.Ret = ret
		}
	}
	return fn, nil
}

// parseList parses comma-separated types up to and including the closer.
func (p *tyParser) parseList(closer string) ([]Ty, error) {
	var out []Ty
	p.skipSpace()
	if p.consume(closer) {
		return out, nil
	}
	for {
		ty, err := p.parse()
		if err != nil {
			return nil, err
		}
		out = append(out, ty)
		p.skipSpace()
		if p.consume(closer) {
			return out, nil
		}
		if !p.consume(",") {
			return nil, p.errorf("expected ',' or %q", closer)
		}
	}
}

func (p *tyParser) ident() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '_' || c == ':' || c == '#' || c == '.' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *tyParser) number() (int, error) {
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if start == p.pos {
		return 0, p.errorf("expected number")
	}
	return strconv.Atoi(p.src[start:p.pos])
}

// ParsePlace parses the form produced by Place.String, for example
// "_3.items[_4].*.len" or "_1 as #2.0".
func ParsePlace(s string) (Place, error) {
	if !strings.HasPrefix(s, "_") {
		return Place{}, fmt.Errorf("parse place %q: expected local", s)
	}
	i := 1
	local, i, err := placeNumber(s, i)
	if err != nil {
		return Place{}, err
	}
	place := Place{Local: LocalID(local)}
	for i < len(s) {
		switch {
		case strings.HasPrefix(s[i:], ".*"):
			place.Projection = append(place.Projection, Deref{})
			i += 2
		case strings.HasPrefix(s[i:], " as #"):
			var v int
			v, i, err = placeNumber(s, i+len(" as #"))
			if err != nil {
				return Place{}, err
			}
			place.Projection = append(place.Projection, Downcast{Variant: v})
		case s[i] == '.':
			i++
			if i < len(s) && s[i] >= '0' && s[i] <= '9' {
				var idx int
				idx, i, err = placeNumber(s, i)
				if err != nil {
					return Place{}, err
				}
				place.Projection = append(place.Projection, FieldIndex{Index: idx})
				continue
			}
			start := i
			for i < len(s) && s[i] != '.' && s[i] != '[' && s[i] != ' ' {
				i++
			}
			if start == i {
				return Place{}, fmt.Errorf("parse place %q: empty field name", s)
			}
			place.Projection = append(place.Projection, FieldName{Name: s[start:i]})
		case s[i] == '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return Place{}, fmt.Errorf("parse place %q: unterminated index", s)
			}
			inner := s[i+1 : i+end]
			i += end + 1
			proj, err := parseIndex(s, inner)
			if err != nil {
				return Place{}, err
			}
			place.Projection = append(place.Projection, proj)
		default:
			return Place{}, fmt.Errorf("parse place %q: unexpected %q at %d", s, s[i], i)
		}
	}
	return place, nil
}

// MustParsePlace is like ParsePlace but panics on error.
func MustParsePlace(s string) Place {
	p, err := ParsePlace(s)
	if err != nil {
		panic(err)
	}
	return p
}

func parseIndex(src, inner string) (Projection, error) {
	if strings.HasPrefix(inner, "_") {
		n, err := strconv.Atoi(inner[1:])
		if err != nil {
			return nil, fmt.Errorf("parse place %q: bad index local %q", src, inner)
		}
		return Index{Local: LocalID(n)}, nil
	}
	if from, to, ok := strings.Cut(inner, ".."); ok {
		f, err1 := strconv.Atoi(from)
		t, err2 := strconv.Atoi(to)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("parse place %q: bad subslice %q", src, inner)
		}
		return Subslice{From: f, To: t}, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil {
		return nil, fmt.Errorf("parse place %q: bad index %q", src, inner)
	}
	return ConstIndex{Index: n}, nil
}

func placeNumber(s string, i int) (int, int, error) {
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if start == i {
		return 0, i, fmt.Errorf("parse place %q: expected number at %d", s, start)
	}
	n, err := strconv.Atoi(s[start:i])
	return n, i, err
}
