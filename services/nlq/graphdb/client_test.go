// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReplyScalars(t *testing.T) {
	reply := []any{
		[]any{"count"},
		[]any{
			[]any{int64(42)},
		},
		[]any{"Query internal execution time: 0.2 ms"},
	}
	rows, err := DecodeReply(reply)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(42), rows[0]["count"])
}

func TestDecodeReplyMultipleColumns(t *testing.T) {
	reply := []any{
		[]any{"name", "role"},
		[]any{
			[]any{"Ana Silva", "Engineer"},
			[]any{"Marcus Webb", "Manager"},
		},
		[]any{},
	}
	rows, err := DecodeReply(reply)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Ana Silva", rows[0]["name"])
	assert.Equal(t, "Manager", rows[1]["role"])
}

func TestDecodeReplyFlattensNodes(t *testing.T) {
	node := []any{
		[]any{"id", int64(7)},
		[]any{"labels", []any{"Person"}},
		[]any{"properties", []any{
			[]any{"name", "Ana Silva"},
			[]any{"email", "ana@example.com"},
		}},
	}
	reply := []any{
		[]any{"n"},
		[]any{
			[]any{node},
		},
		[]any{},
	}
	rows, err := DecodeReply(reply)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	props, ok := rows[0]["n"].(map[string]any)
	require.True(t, ok, "node cell should flatten to its property bag")
	assert.Equal(t, "Ana Silva", props["name"])
	assert.Equal(t, "ana@example.com", props["email"])
}

func TestDecodeReplyEmptyResult(t *testing.T) {
	reply := []any{
		[]any{"name"},
		[]any{},
		[]any{"Query internal execution time: 0.1 ms"},
	}
	rows, err := DecodeReply(reply)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDecodeReplyStatsOnly(t *testing.T) {
	rows, err := DecodeReply([]any{[]any{"Cached execution: 1"}})
	require.NoError(t, err)
	assert.Nil(t, rows)
}

func TestDecodeReplyRejectsUnexpectedShape(t *testing.T) {
	_, err := DecodeReply("not an array")
	assert.Error(t, err)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{Port: 6379, GraphName: "org"}, nil)
	assert.Error(t, err)
	_, err = NewClient(Options{Host: "localhost", Port: 6379}, nil)
	assert.Error(t, err)
}
