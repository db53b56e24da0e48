// Copyright 2025 The Steer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package steer

import "fmt"

// InvalidNameError is returned when a port entry carries a name
// that is empty or longer than MaxNameLen characters. The entry
// that produced it is rejected; other entries are unaffected.
type InvalidNameError struct {
	Name string
}

func (e InvalidNameError) Error() string {
	return fmt.Sprintf("invalid port name: %q", e.Name)
}

// InvalidMultiaddrError is returned when a listener address cannot
// be parsed, or parses but is missing a required layer (host, or
// TCP port) for the context in which it is used.
type InvalidMultiaddrError struct {
	Addr string
}

func (e InvalidMultiaddrError) Error() string {
	return fmt.Sprintf("invalid multiaddr: %q", e.Addr)
}
