// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid provides random identifiers for jobs and consumers.
package uuid

import (
	"fmt"

	gouuid "github.com/hashicorp/go-uuid"
)

// Generate is used to generate a random UUID.
func Generate() string {
	id, err := gouuid.GenerateUUID()
	if err != nil {
		panic(fmt.Errorf("failed to generate uuid: %v", err))
	}
	return id
}

// Short returns the first eight characters of a UUID, which is what shows up
// in log lines and CLI output.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
