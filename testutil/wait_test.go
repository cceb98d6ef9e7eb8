// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWait_WaitForResult(t *testing.T) {
	var calls atomic.Int64
	WaitForResult(func() (bool, error) {
		return calls.Add(1) >= 3, errors.New("not yet")
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
	require.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestWait_WaitForResultUntil_Deadline(t *testing.T) {
	failure := errors.New("never succeeds")
	var got error
	WaitForResultUntil(100*time.Millisecond, func() (bool, error) {
		return false, failure
	}, func(err error) {
		got = err
	})
	require.ErrorIs(t, got, failure)
}

func TestWait_Timeout(t *testing.T) {
	scaled := Timeout(time.Second)
	require.GreaterOrEqual(t, scaled, time.Second)
	require.Zero(t, scaled%time.Second)
}
