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

package v1alpha1_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1"
)

func TestDefaults(t *testing.T) {
	cfg := cfgapi.Default()
	require.NoError(t, cfg.Validate())

	spec := cfg.Spec
	require.Equal(t, cfgapi.DefaultPageSize, spec.Machine.PageSize)
	require.Equal(t, cfgapi.DefaultPhysPages, spec.Machine.PhysPages)
	require.Equal(t, cfgapi.DefaultVirtualPages, spec.Machine.VirtualPages)
	require.Equal(t, cfgapi.DefaultStackPages, spec.Process.StackPages)
	require.Equal(t, cfgapi.DefaultShutdownTimeout, spec.Process.ShutdownTimeout.Duration)
	require.True(t, spec.Swap.SwapEnabled())
	require.Equal(t, cfgapi.DefaultSwapFile, spec.Swap.File)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*cfgapi.KernelConfig)
		fail   bool
	}{
		{
			name:   "defaults",
			modify: func(*cfgapi.KernelConfig) {},
		},
		{
			name:   "page size not a power of two",
			modify: func(c *cfgapi.KernelConfig) { c.Spec.Machine.PageSize = 1000 },
			fail:   true,
		},
		{
			name:   "stack does not fit",
			modify: func(c *cfgapi.KernelConfig) { c.Spec.Machine.VirtualPages = 8 },
			fail:   true,
		},
		{
			name:   "negative delay",
			modify: func(c *cfgapi.KernelConfig) { c.Spec.Swap.Delay = metav1.Duration{Duration: -time.Second} },
			fail:   true,
		},
		{
			name:   "wrong kind",
			modify: func(c *cfgapi.KernelConfig) { c.Kind = "Pod" },
			fail:   true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := cfgapi.Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.fail {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
