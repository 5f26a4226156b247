package nulldist

import (
	"fmt"
	"io"
)

// OpenStore opens the artifact store named by backend. "memory" returns a
// nil Store, which keeps distributions in process only. The returned closer
// is never nil.
func OpenStore(backend, dir string) (Store, io.Closer, error) {
	switch backend {
	case "", "file":
		s, err := NewFileStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case "badger":
		s, err := OpenBadgerStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "memory":
		return nil, nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown null distribution backend %q", backend)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
