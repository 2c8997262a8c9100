// Package sensitive wraps values whose contents must never reach a log
// line, an error payload, or a serialized event.
//
// A Sensitive[T] can only be read back with Reveal, which marks the read
// site legible in a diff and grep. Every other way of turning the value
// into text (Format, GoString, MarshalJSON, MarshalText) returns a fixed
// placeholder regardless of the wrapped content, so printing or logging a
// Sensitive[T] by accident is a type-checked no-op rather than a leak.
package sensitive

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const placeholder = "<sensitive>"

// Sensitive wraps a value of type T so it cannot be accidentally formatted,
// logged, or serialized. The only way out is Reveal.
type Sensitive[T any] struct {
	value T
}

// Wrap marks t as sensitive.
func Wrap[T any](t T) Sensitive[T] {
	return Sensitive[T]{value: t}
}

// Reveal extracts the wrapped value. Callers are expected to use the result
// immediately and not let it escape into anything that gets logged.
func Reveal[T any](s Sensitive[T]) T {
	return s.value
}

// Map applies f to the wrapped value, keeping the result sensitive.
func Map[T, U any](s Sensitive[T], f func(T) U) Sensitive[U] {
	return Sensitive[U]{value: f(s.value)}
}

// Option models an optional value without relying on nil, so it works for
// both pointer and value types alike.
type Option[T any] struct {
	value   T
	present bool
}

// Some builds a present Option.
func Some[T any](v T) Option[T] { return Option[T]{value: v, present: true} }

// None builds an absent Option.
func None[T any]() Option[T] { return Option[T]{} }

// Get returns the wrapped value and whether it was present.
func (o Option[T]) Get() (T, bool) { return o.value, o.present }

// IsSome reports whether the option holds a value.
func (o Option[T]) IsSome() bool { return o.present }

// PivotOption turns a Sensitive[Option[T]] into a (Sensitive[T], bool) pair,
// the Sensitive<Option<T>> to Option<Sensitive<T>> pivot expressed with Go's
// (value, ok) idiom instead of a dedicated Option wrapper at the call site.
func PivotOption[T any](s Sensitive[Option[T]]) (Sensitive[T], bool) {
	v := Reveal(s)
	if !v.present {
		return Sensitive[T]{}, false
	}
	return Wrap(v.value), true
}

// String implements fmt.Stringer and never prints the wrapped value.
func (s Sensitive[T]) String() string {
	return placeholder
}

// GoString implements fmt.GoStringer for direct callers; fmt's %#v goes
// through Format, which also prints only the placeholder.
func (s Sensitive[T]) GoString() string {
	return fmt.Sprintf("sensitive.Sensitive{%s}", placeholder)
}

// Format implements fmt.Formatter so no verb can bypass the placeholder.
func (s Sensitive[T]) Format(f fmt.State, verb rune) {
	_, _ = fmt.Fprint(f, placeholder)
}

// MarshalJSON implements json.Marshaler, returning the placeholder instead
// of the wrapped value.
func (s Sensitive[T]) MarshalJSON() ([]byte, error) {
	return []byte(`"` + placeholder + `"`), nil
}

// MarshalText implements encoding.TextMarshaler for the same reason.
func (s Sensitive[T]) MarshalText() ([]byte, error) {
	return []byte(placeholder), nil
}

// Fingerprint computes a keyed BLAKE2b digest of a sensitive byte or string
// value, for correlating occurrences of a secret in diagnostics without
// ever revealing it. Two Fingerprint calls with the same key only agree
// when the underlying value agrees.
func Fingerprint[T ~string | ~[]byte](s Sensitive[T], key []byte) string {
	hash, err := blake2b.New256(key)
	if err != nil {
		panic(fmt.Sprintf("sensitive: failed to create BLAKE2b hash: %v", err))
	}
	hash.Write([]byte(Reveal(s)))
	return hex.EncodeToString(hash.Sum(nil))
}
