// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"flag"
	"reflect"
	"sort"
	"testing"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/stint/ci"
	"github.com/stretchr/testify/require"
)

func TestMeta_FlagSet(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		Flags    FlagSetFlags
		Expected []string
	}{
		{
			FlagSetNone,
			[]string{},
		},
		{
			FlagSetClient,
			[]string{
				"address",
				"no-color",
				"force-color",
				"ca-cert",
				"ca-path",
				"client-cert",
				"client-key",
				"insecure",
				"tls-server-name",
				"tls-skip-verify",
			},
		},
	}

	for i, tc := range cases {
		var m Meta
		fs := m.FlagSet("foo", tc.Flags)

		actual := make([]string, 0, 0)
		fs.VisitAll(func(f *flag.Flag) {
			actual = append(actual, f.Name)
		})
		sort.Strings(actual)
		sort.Strings(tc.Expected)

		if !reflect.DeepEqual(actual, tc.Expected) {
			t.Fatalf("%d: flags: %#v\n\nExpected: %#v\nGot: %#v",
				i, tc.Flags, tc.Expected, actual)
		}
	}
}

func TestMeta_ClientConfig(t *testing.T) {
	ci.Parallel(t)

	m := Meta{Ui: cli.NewMockUi()}
	config := m.clientConfig()
	require.NotNil(t, config.TLSConfig)
	require.False(t, config.TLSConfig.Insecure)

	m.flagAddress = "http://10.0.0.1:4646"
	m.insecure = true
	config = m.clientConfig()
	require.Equal(t, "http://10.0.0.1:4646", config.Address)
	require.NotNil(t, config.TLSConfig)
	require.True(t, config.TLSConfig.Insecure)
}
