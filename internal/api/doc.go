// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

// Package api exposes the authentication and audit endpoints over HTTP.
//
// Every response body is JSON. Errors carry a single "message" field whose
// text depends only on the oops code of the failure, so credential and
// token failures never reveal which check failed.
package api
