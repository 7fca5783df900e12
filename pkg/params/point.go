package params

// Point is a typed record of variable values, one entry per free, fixed,
// hyper and hierarchical variable. Points are never mutated in place except
// via explicit Copy.
type Point struct {
	Free         map[string][]float64
	Fixed        map[string][]float64
	Hyper        map[string][]float64
	Hierarchical map[string][]float64
}

// NewPoint returns an empty point with all sections allocated.
func NewPoint() *Point {
	return &Point{
		Free:         make(map[string][]float64),
		Fixed:        make(map[string][]float64),
		Hyper:        make(map[string][]float64),
		Hierarchical: make(map[string][]float64),
	}
}

func copySection(src map[string][]float64) map[string][]float64 {
	dst := make(map[string][]float64, len(src))
	for k, v := range src {
		vals := make([]float64, len(v))
		copy(vals, v)
		dst[k] = vals
	}
	return dst
}

// Copy returns a deep copy of the point.
func (p *Point) Copy() *Point {
	return &Point{
		Free:         copySection(p.Free),
		Fixed:        copySection(p.Fixed),
		Hyper:        copySection(p.Hyper),
		Hierarchical: copySection(p.Hierarchical),
	}
}

// Get looks a variable up across all sections.
func (p *Point) Get(name string) ([]float64, bool) {
	for _, section := range []map[string][]float64{
		p.Free, p.Fixed, p.Hyper, p.Hierarchical,
	} {
		if v, ok := section[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// SourceValues merges free and fixed variables, the inputs of the forward
// model. Hyperparameters and hierarchicals are excluded.
func (p *Point) SourceValues() map[string][]float64 {
	out := make(map[string][]float64, len(p.Free)+len(p.Fixed))
	for k, v := range p.Free {
		out[k] = v
	}
	for k, v := range p.Fixed {
		out[k] = v
	}
	return out
}
