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
	"github.com/creativogee/ludari-sdk/lens"
)

// serializeResult decides what a completed run persists as its result:
// a Lens return value serializes to its frame string; a falsy return value
// with a non-empty lens falls back to the lens frames; anything else is
// stored verbatim.
func serializeResult(value any, l *lens.Lens) any {
	if v, ok := value.(*lens.Lens); ok {
		if v == nil {
			if l != nil && !l.IsEmpty() {
				return l.Frames()
			}
			return nil
		}
		return v.Frames()
	}
	if falsy(value) && l != nil && !l.IsEmpty() {
		return l.Frames()
	}
	return value
}
