package configstore

import "context"

// ConfigStore loads and saves one document.
type ConfigStore interface {
	Load(ctx context.Context, out any) error
	Save(ctx context.Context, in any) error
}

// Watcher is implemented by stores that can report changes. onChange is called
// from a background goroutine until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
