package types

import "fmt"

// IndexError reports an out-of-range list index.
type IndexError struct {
	Index, Length int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("types: index %d out of range for length %d", e.Index, e.Length)
}

func shmListIndexError(index, length int) error {
	return &IndexError{Index: index, Length: length}
}

// KeyError reports a missing map key.
type KeyError struct {
	Key string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("types: key %q not found", e.Key)
}
