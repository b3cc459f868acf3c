//go:build !linux && !windows && !darwin

package input

type stubBackend struct{}

// New returns a backend that rejects everything on unsupported platforms.
func New() Backend {
	return &stubBackend{}
}

func (stubBackend) MoveRelative(int, int) error { return ErrUnavailable }
func (stubBackend) Click(string, bool) error    { return ErrUnavailable }
func (stubBackend) ButtonDown(string) error     { return ErrUnavailable }
func (stubBackend) ButtonUp(string) error       { return ErrUnavailable }
func (stubBackend) Scroll(int) error            { return ErrUnavailable }
func (stubBackend) KeyPress(string) error       { return ErrUnavailable }
func (stubBackend) Hotkey([]string) error       { return ErrUnavailable }
func (stubBackend) TypeText(string) error       { return ErrUnavailable }
func (stubBackend) MediaKey(string) error       { return ErrUnavailable }
