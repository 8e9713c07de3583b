package common

// Pauses is the operator-owned emergency pause switch. The zero value is
// usable; a nil receiver reports nothing paused so engines can run unguarded
// in tests.
type Pauses struct {
	modules map[string]bool
}

// NewPauses returns an empty pause set.
func NewPauses() *Pauses {
	return &Pauses{modules: make(map[string]bool)}
}

// SetPaused toggles the pause flag for a module.
func (p *Pauses) SetPaused(module string, paused bool) {
	if p == nil {
		return
	}
	if p.modules == nil {
		p.modules = make(map[string]bool)
	}
	p.modules[module] = paused
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	return p.modules[module]
}
