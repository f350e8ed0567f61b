/*
Copyright 2025 The goARRG Authors.

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

// Package shaderbin loads compiled shader bytecode off disk the way the
// reference's shader.go loads SPIR-V: as a stream of little-endian
// uint32 words, zero-padded up to the next 4-byte boundary so a backend
// never sees a truncated trailing word.
package shaderbin

import (
	"encoding/binary"
	"io"
	"os"

	"goarrg.com/debug"
)

// Load reads r to completion and returns its contents as a []uint32 word
// stream, zero-padding the final word if the byte count isn't a multiple
// of 4.
func Load(r io.Reader) ([]uint32, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "shaderbin: read")
	}

	if pad := len(data) % 4; pad != 0 {
		data = append(data, make([]byte, 4-pad)...)
	}

	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words, nil
}

// LoadFile opens path and delegates to Load.
func LoadFile(path string) ([]uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "shaderbin: open %q", path)
	}
	defer f.Close()

	words, err := Load(f)
	if err != nil {
		return nil, debug.ErrorWrapf(err, "shaderbin: load %q", path)
	}
	return words, nil
}
