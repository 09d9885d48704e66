package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// Opener resolves a plugin binary into a Plugin implementation.
type Opener interface {
	Open(path string) (Plugin, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Plugin, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Plugin, error) { return f(path) }

// SharedObjectOpener uses the Go standard library plugin mechanism to load
// modules built with -buildmode=plugin.
type SharedObjectOpener struct{}

// Open implements Opener.
func (SharedObjectOpener) Open(path string) (Plugin, error) {
	return OpenShared(path)
}

// OpenShared opens the shared object and looks up a `Plugin` symbol that is
// either a Plugin value, a pointer to one, or a constructor.
func OpenShared(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, fmt.Errorf("lookup Plugin symbol in %s: %w", path, err)
	}
	return fromSymbol(symbol)
}

func fromSymbol(symbol any) (Plugin, error) {
	switch p := symbol.(type) {
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	case *func() Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin constructor is nil")
		}
		return (*p)(), nil
	default:
		return nil, fmt.Errorf("plugin symbol of type %T does not implement plugin.Plugin", symbol)
	}
}
