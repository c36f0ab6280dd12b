package pipeline

// Options parameterizes one Assemble call; the zero value is valid and a
// zero TopK means 10.
type Options struct {
	TopK int
}
