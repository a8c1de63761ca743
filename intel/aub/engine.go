// Copyright (C) 2019 Valve Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package aub

// Engine identifies a hardware command streamer.
type Engine int

// The three engines modeled by the codec.
const (
	Render Engine = iota
	Video
	Blitter
)

func (e Engine) String() string {
	switch e {
	case Render:
		return "render"
	case Video:
		return "video"
	case Blitter:
		return "blitter"
	default:
		return "unknown"
	}
}
