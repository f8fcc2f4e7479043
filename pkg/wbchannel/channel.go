// Package wbchannel describes the logical channels carried by the bridge.
//
// A Channel is a numeric id, which is also the TCP port of the backend service
// on the bridge server's fixed backend host, paired with a symbolic name that
// local consumers subscribe to. Browser-side connections address a channel by
// the path /proxy/<id>.
//
// A Registry is the fixed table of known channels. It is built once at process
// start and is read-only afterwards, so it may be shared between goroutines
// without locking.
package wbchannel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ProxyPathPrefix is the path prefix under which channels are served
const ProxyPathPrefix = "/proxy/"

var (
	// ErrInvalidChannelID is returned for ids that are not a decimal TCP port number
	ErrInvalidChannelID = errors.New("invalid channel id")

	// ErrUnknownChannel is returned by Registry lookups that find nothing
	ErrUnknownChannel = errors.New("unknown channel")
)

// Channel is an immutable channel descriptor
type Channel struct {
	ID   int    `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

func (c Channel) String() string {
	return fmt.Sprintf("%s(%d)", c.Name, c.ID)
}

// ProxyPath returns the path that addresses this channel on the bridge server
func (c Channel) ProxyPath() string {
	return ProxyPath(c.ID)
}

// Validate checks that the channel has a usable port and a name
func (c Channel) Validate() error {
	if err := ValidateID(c.ID); err != nil {
		return err
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("channel %d has no name", c.ID)
	}
	if strings.ContainsAny(c.Name, " \t\r\n=") {
		return fmt.Errorf("channel %d: name %q contains whitespace or '='", c.ID, c.Name)
	}
	return nil
}

// ProxyPath returns the path that addresses channel id on the bridge server
func ProxyPath(id int) string {
	return ProxyPathPrefix + strconv.Itoa(id)
}

// ValidateID checks that id can be used as a TCP port
func ValidateID(id int) error {
	if id < 1 || id > 65535 {
		return fmt.Errorf("%w: %d is not in 1-65535", ErrInvalidChannelID, id)
	}
	return nil
}

// ParseID parses a decimal channel id, as found in a /proxy/<id> path segment.
// Signs, whitespace and anything other than ASCII digits are rejected.
func ParseID(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidChannelID)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidChannelID, s)
		}
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidChannelID, s, err)
	}
	if err := ValidateID(id); err != nil {
		return 0, err
	}
	return id, nil
}

// ParseChannel parses a "<id>=<name>" channel descriptor string, as accepted
// on the command line.
func ParseChannel(s string) (Channel, error) {
	idStr, name, ok := strings.Cut(s, "=")
	if !ok {
		return Channel{}, fmt.Errorf("channel descriptor %q: expected <id>=<name>", s)
	}
	id, err := ParseID(strings.TrimSpace(idStr))
	if err != nil {
		return Channel{}, fmt.Errorf("channel descriptor %q: %w", s, err)
	}
	c := Channel{ID: id, Name: strings.TrimSpace(name)}
	if err := c.Validate(); err != nil {
		return Channel{}, fmt.Errorf("channel descriptor %q: %w", s, err)
	}
	return c, nil
}
