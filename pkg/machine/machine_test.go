// Copyright The Nachos VM Authors. All Rights Reserved.
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

package machine_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nachosvm/nachos/pkg/machine"
)

func TestNew(t *testing.T) {
	_, err := machine.New(1000, 4)
	require.Error(t, err)
	_, err = machine.New(1024, 0)
	require.Error(t, err)

	m, err := machine.New(1024, 4)
	require.NoError(t, err)
	require.Equal(t, 1024, m.PageSize())
	require.Equal(t, 4, m.NumPhysPages())
	require.Len(t, m.Memory(), 4096)
}

func TestFrame(t *testing.T) {
	m, err := machine.New(16, 4)
	require.NoError(t, err)

	copy(m.Frame(2), "0123456789abcdef")
	require.Equal(t, []byte("0123456789abcdef"), m.Memory()[32:48])
	require.Equal(t, 16, cap(m.Frame(3)))
	require.Panics(t, func() { m.Frame(4) })
}

func TestAddressArithmetic(t *testing.T) {
	m, err := machine.New(1024, 4)
	require.NoError(t, err)

	require.Equal(t, 2, m.PageFromAddress(2100))
	require.Equal(t, 52, m.OffsetFromAddress(2100))
	require.Equal(t, uint32(2100), m.MakeAddress(2, 52))
	require.Equal(t, 4194303, m.PageFromAddress(0xffffffff))
}

func TestConsole(t *testing.T) {
	out := &bytes.Buffer{}
	c := machine.NewConsole(strings.NewReader("hello"), out)

	in, wr := c.OpenForReading(), c.OpenForWriting()

	buf := make([]byte, 8)
	n, err := in.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	_, err = in.Write([]byte("x"))
	require.Error(t, err)

	n, err = wr.Write([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", out.String())

	require.NoError(t, wr.Close())
	_, err = wr.Write([]byte("!"))
	require.Error(t, err)

	empty := machine.NewConsole(nil, nil).OpenForReading()
	_, err = empty.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}
