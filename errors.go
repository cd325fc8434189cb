/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ludari

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by public API calls made before
	// Initialize has completed.
	ErrNotInitialized = errors.New("manager is not initialized: call Initialize first")

	// ErrDestroyed is returned by public API calls made after Destroy.
	ErrDestroyed = errors.New("manager has been destroyed")
)

// ValidationError reports a rejected public API input. Validation failures
// surface synchronously to the caller and are never logged by the core.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func newValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
