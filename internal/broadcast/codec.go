// Copyright 2023 The Corrosion Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package broadcast

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/webclinic017/corrosion/internal/types"
)

// FragmentsAt is the largest payload sent over UDP. Anything bigger
// goes over the reliable per-peer path.
const FragmentsAt = 1400

// maxFrameLen bounds a single decoded frame; a peer sending more than
// this is misbehaving.
const maxFrameLen = 32 << 20

// PayloadKind is the leading byte of every gossip datagram.
type PayloadKind byte

const (
	// PayloadSwim carries an opaque failure-detector datagram.
	PayloadSwim PayloadKind = 0
	// PayloadBroadcast carries length-delimited application frames.
	PayloadBroadcast PayloadKind = 1
	// PayloadPriorityBroadcast marks rebroadcast frames. Senders and
	// receivers queue and handle it the same way as PayloadBroadcast.
	PayloadPriorityBroadcast PayloadKind = 2
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadSwim:
		return "swim"
	case PayloadBroadcast:
		return "broadcast"
	case PayloadPriorityBroadcast:
		return "priority-broadcast"
	}
	return "unknown"
}

// EncodeFrame appends one length-delimited message frame to buf.
func EncodeFrame(buf *bytes.Buffer, msg types.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	buf.Write(length[:])
	buf.Write(payload)
	return nil
}

// DecodeFrames walks every frame in data, invoking fn for each message
// decoded with a version this build understands. Envelopes with an
// unknown version and frames that fail to decode are counted and
// skipped; a truncated trailing frame aborts with an error.
func DecodeFrames(data []byte, fn func(types.Message) error) error {
	for len(data) > 0 {
		if len(data) < 4 {
			decodeErrors.Inc()
			return errors.New("truncated frame header")
		}
		length := binary.BigEndian.Uint32(data[:4])
		if length > maxFrameLen {
			decodeErrors.Inc()
			return errors.Errorf("frame of %d bytes exceeds limit", length)
		}
		if len(data) < 4+int(length) {
			decodeErrors.Inc()
			return errors.New("truncated frame payload")
		}
		payload := data[4 : 4+length]
		data = data[4+length:]

		var msg types.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			decodeErrors.Inc()
			continue
		}
		if msg.Version != types.CurrentMessageVersion || msg.Change == nil {
			unknownVersions.Inc()
			continue
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

// A FrameReader decodes length-delimited messages from a stream. It is
// used on the sync path where frames arrive over HTTP bodies.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next returns the next message with a known version, skipping
// unknown-version envelopes. It returns io.EOF at a clean end of
// stream.
func (fr *FrameReader) Next() (types.Message, error) {
	for {
		var header [4]byte
		if _, err := io.ReadFull(fr.r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return types.Message{}, io.EOF
			}
			return types.Message{}, errors.WithStack(err)
		}
		length := binary.BigEndian.Uint32(header[:])
		if length > maxFrameLen {
			decodeErrors.Inc()
			return types.Message{}, errors.Errorf("frame of %d bytes exceeds limit", length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return types.Message{}, errors.WithStack(err)
		}

		var msg types.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			decodeErrors.Inc()
			continue
		}
		if msg.Version != types.CurrentMessageVersion || msg.Change == nil {
			unknownVersions.Inc()
			continue
		}
		return msg, nil
	}
}

// A FrameWriter encodes length-delimited messages onto a stream.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write encodes one message frame.
func (fw *FrameWriter) Write(msg types.Message) error {
	var buf bytes.Buffer
	if err := EncodeFrame(&buf, msg); err != nil {
		return err
	}
	_, err := fw.w.Write(buf.Bytes())
	return errors.WithStack(err)
}
