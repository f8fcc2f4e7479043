package wbchannel

import (
	"fmt"
	"sort"
	"strconv"
)

// DefaultChannels is the built-in channel table, used when no table is configured
var DefaultChannels = []Channel{
	{ID: 9001, Name: "vision"},
	{ID: 9002, Name: "emotions"},
	{ID: 9003, Name: "speech"},
	{ID: 9004, Name: "memory"},
	{ID: 9005, Name: "console"},
	{ID: 9006, Name: "sensors"},
	{ID: 9007, Name: "motors"},
	{ID: 9008, Name: "logs"},
	{ID: 9009, Name: "system"},
	{ID: 9010, Name: "tasks"},
}

// Registry maps channel ids to names and back. It is immutable once built.
type Registry struct {
	channels []Channel
	byID     map[int]Channel
	byName   map[string]Channel
}

// NewRegistry builds a Registry from a channel table. Ids and names must be
// unique.
func NewRegistry(channels []Channel) (*Registry, error) {
	r := &Registry{
		channels: make([]Channel, 0, len(channels)),
		byID:     make(map[int]Channel, len(channels)),
		byName:   make(map[string]Channel, len(channels)),
	}
	for _, c := range channels {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if prev, ok := r.byID[c.ID]; ok {
			return nil, fmt.Errorf("duplicate channel id %d (%q and %q)", c.ID, prev.Name, c.Name)
		}
		if prev, ok := r.byName[c.Name]; ok {
			return nil, fmt.Errorf("duplicate channel name %q (%d and %d)", c.Name, prev.ID, c.ID)
		}
		r.byID[c.ID] = c
		r.byName[c.Name] = c
		r.channels = append(r.channels, c)
	}
	sort.Slice(r.channels, func(i, j int) bool { return r.channels[i].ID < r.channels[j].ID })
	return r, nil
}

// MustNewRegistry is NewRegistry for static tables; it panics on error
func MustNewRegistry(channels []Channel) *Registry {
	r, err := NewRegistry(channels)
	if err != nil {
		panic(err)
	}
	return r
}

// ByID looks up a channel by id
func (r *Registry) ByID(id int) (Channel, error) {
	c, ok := r.byID[id]
	if !ok {
		return Channel{}, fmt.Errorf("%w: id %d", ErrUnknownChannel, id)
	}
	return c, nil
}

// ByName looks up a channel by symbolic name
func (r *Registry) ByName(name string) (Channel, error) {
	c, ok := r.byName[name]
	if !ok {
		return Channel{}, fmt.Errorf("%w: name %q", ErrUnknownChannel, name)
	}
	return c, nil
}

// Resolve looks up a channel given either its decimal id or its name
func (r *Registry) Resolve(idOrName string) (Channel, error) {
	if id, err := strconv.Atoi(idOrName); err == nil {
		return r.ByID(id)
	}
	return r.ByName(idOrName)
}

// Has reports whether id is in the registry
func (r *Registry) Has(id int) bool {
	_, ok := r.byID[id]
	return ok
}

// List returns every channel, ordered by id. The slice is a copy.
func (r *Registry) List() []Channel {
	out := make([]Channel, len(r.channels))
	copy(out, r.channels)
	return out
}

// Len returns the number of channels
func (r *Registry) Len() int {
	return len(r.channels)
}
