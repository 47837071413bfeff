//go:build !debug_keystone

package memutils

// DebugChecks is true when the debug_keystone build tag is present
const DebugChecks = false

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_keystone build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_keystone build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}

// DebugFail panics with the provided error. Contract violations that are returned as errors in
// production builds fail fast here instead. This method no-ops unless the debug_keystone build tag
// is present.
func DebugFail(err error) {
}
