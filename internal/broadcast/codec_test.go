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
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/webclinic017/corrosion/internal/types"
	"github.com/webclinic017/corrosion/internal/util/rangeset"
)

func testMessage(version int64) types.Message {
	return types.NewChangeMessage(types.ChangeV1{
		ActorID:   types.ActorID(uuid.New()),
		Changeset: types.EmptyChangeset(rangeset.Single(version)),
	})
}

func TestFrameRoundTrip(t *testing.T) {
	r := require.New(t)

	var buf bytes.Buffer
	first := testMessage(1)
	second := testMessage(2)
	r.NoError(EncodeFrame(&buf, first))
	r.NoError(EncodeFrame(&buf, second))

	var decoded []types.Message
	r.NoError(DecodeFrames(buf.Bytes(), func(msg types.Message) error {
		decoded = append(decoded, msg)
		return nil
	}))
	r.Len(decoded, 2)
	r.Equal(first.Change.ActorID, decoded[0].Change.ActorID)
	r.Equal(second.Change.ActorID, decoded[1].Change.ActorID)
}

func TestDecodeSkipsUnknownVersion(t *testing.T) {
	r := require.New(t)

	var buf bytes.Buffer
	unknown := testMessage(1)
	unknown.Version = 99
	r.NoError(EncodeFrame(&buf, unknown))
	known := testMessage(2)
	r.NoError(EncodeFrame(&buf, known))

	var decoded []types.Message
	r.NoError(DecodeFrames(buf.Bytes(), func(msg types.Message) error {
		decoded = append(decoded, msg)
		return nil
	}))
	r.Len(decoded, 1)
	r.Equal(int64(2), decoded[0].Change.Changeset.EmptyVersions.Start)
}

func TestDecodeTruncated(t *testing.T) {
	r := require.New(t)

	var buf bytes.Buffer
	r.NoError(EncodeFrame(&buf, testMessage(1)))
	truncated := buf.Bytes()[:buf.Len()-3]

	err := DecodeFrames(truncated, func(types.Message) error { return nil })
	r.Error(err)
}

func TestDecodeRejectsHugeFrame(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameLen+1)
	err := DecodeFrames(header[:], func(types.Message) error { return nil })
	require.Error(t, err)
}

func TestFrameReaderWriter(t *testing.T) {
	r := require.New(t)

	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	first := testMessage(1)
	second := testMessage(2)
	r.NoError(w.Write(first))
	r.NoError(w.Write(second))

	fr := NewFrameReader(&buf)
	got, err := fr.Next()
	r.NoError(err)
	r.Equal(first.Change.ActorID, got.Change.ActorID)
	got, err = fr.Next()
	r.NoError(err)
	r.Equal(second.Change.ActorID, got.Change.ActorID)
	_, err = fr.Next()
	r.Equal(io.EOF, err)
}
