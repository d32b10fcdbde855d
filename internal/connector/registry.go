package connector

import "fmt"

// Registry holds the configured adapters keyed by provider.
type Registry struct {
	byKind map[ProviderKind]Connector
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Connector) *Registry {
	r := &Registry{byKind: make(map[ProviderKind]Connector, len(adapters))}
	for _, a := range adapters {
		r.byKind[a.Provider()] = a
	}
	return r
}

// Register adds or replaces the adapter for its provider.
func (r *Registry) Register(c Connector) {
	r.byKind[c.Provider()] = c
}

// Get returns the adapter for the provider.
func (r *Registry) Get(kind ProviderKind) (Connector, error) {
	c, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %s", kind)
	}
	return c, nil
}

// Reader returns the provider's adapter as a CalendarReader.
func (r *Registry) Reader(kind ProviderKind) (CalendarReader, error) {
	c, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	reader, ok := c.(CalendarReader)
	if !ok || !HasCapability(c, CapabilityCalendarRead) {
		return nil, fmt.Errorf("provider %s cannot read calendars", kind)
	}
	return reader, nil
}

// Writer returns the provider's adapter as a CalendarWriter.
func (r *Registry) Writer(kind ProviderKind) (CalendarWriter, error) {
	c, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	writer, ok := c.(CalendarWriter)
	if !ok || !HasCapability(c, CapabilityCalendarWrite) {
		return nil, fmt.Errorf("provider %s cannot write calendars", kind)
	}
	return writer, nil
}

// Notes returns the provider's adapter as a NotesWriter.
func (r *Registry) Notes(kind ProviderKind) (NotesWriter, error) {
	c, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	notes, ok := c.(NotesWriter)
	if !ok || !HasCapability(c, CapabilityNotesWrite) {
		return nil, fmt.Errorf("provider %s cannot write notes", kind)
	}
	return notes, nil
}

// Kinds lists the registered providers.
func (r *Registry) Kinds() []ProviderKind {
	kinds := make([]ProviderKind, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	return kinds
}
