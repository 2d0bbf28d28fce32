package backend

import "strings"

// Has reports whether the named backend can compile kernels in this build.
func Has(name string) bool {
	backend, err := Normalize(name)
	if err != nil {
		return false
	}
	return backend != CUDA
}

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := []string{Host}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}
