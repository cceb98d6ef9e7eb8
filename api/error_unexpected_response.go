// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UnexpectedResponseError is returned when an endpoint responds with a
// status code its caller did not expect.
type UnexpectedResponseError struct {
	expected   []int
	statusCode int
	body       string
}

// StatusCode is the status code received in the response.
func (e UnexpectedResponseError) StatusCode() int { return e.statusCode }

// Body is the response body, trimmed of surrounding whitespace.
func (e UnexpectedResponseError) Body() string { return e.body }

// ExpectedStatuses are the status codes the caller would have accepted.
func (e UnexpectedResponseError) ExpectedStatuses() []int { return e.expected }

func (e UnexpectedResponseError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("Unexpected response code: %d (%s)",
			e.statusCode, http.StatusText(e.statusCode))
	}
	return fmt.Sprintf("Unexpected response code: %d (%s)", e.statusCode, e.body)
}

// newUnexpectedResponseError drains and closes the response body as the
// error detail.
func newUnexpectedResponseError(resp *http.Response, expected ...int) error {
	e := UnexpectedResponseError{
		expected:   expected,
		statusCode: resp.StatusCode,
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err == nil {
		e.body = strings.TrimSpace(buf.String())
	}
	_ = resp.Body.Close()
	return e
}

// doRequestWrapper is a function that wraps the client's doRequest method
// and can be used to provide error and response handling
type doRequestWrapper = func(time.Duration, *http.Response, error) (time.Duration, *http.Response, error)

// requireOK is used to wrap doRequest and check for a 200
func requireOK(d time.Duration, resp *http.Response, e error) (time.Duration, *http.Response, error) {
	f := requireStatusIn(http.StatusOK)
	return f(d, resp, e)
}

// requireStatusIn is a doRequestWrapper generator that takes expected HTTP
// response codes and validates that the received response code is among them
func requireStatusIn(statuses ...int) doRequestWrapper {
	return func(d time.Duration, resp *http.Response, e error) (time.Duration, *http.Response, error) {
		if e != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			return d, nil, e
		}

		for _, status := range statuses {
			if resp.StatusCode == status {
				return d, resp, nil
			}
		}

		return d, nil, newUnexpectedResponseError(resp, statuses...)
	}
}
