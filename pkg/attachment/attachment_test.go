// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceloom/traceloom/pkg/model"
)

// pngPayload builds a base64 PNG-shaped blob big enough to cross the
// stripping threshold.
func pngPayload(size int) (string, []byte) {
	magic := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	data := append(magic, bytes.Repeat([]byte{0xAB}, size)...)
	return base64.StdEncoding.EncodeToString(data), data
}

func testStripper() *Stripper {
	s := NewStripper(100, 1<<20)
	s.now = func() int64 { return 42 }
	return s
}

func TestStripSpanReplacesPayloadWithToken(t *testing.T) {
	encoded, raw := pngPayload(500)
	sp := &model.Span{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Input:     model.JSON(fmt.Sprintf(`{"image": %q, "prompt": "hi"}`, encoded)),
	}

	uploads, err := testStripper().StripSpan(sp)
	require.NoError(t, err)
	require.Len(t, uploads, 1)

	up := uploads[0]
	assert.Equal(t, "input-attachment-1-42.png", up.Attachment.FileName)
	assert.Equal(t, "image/png", up.Attachment.MimeType)
	assert.Equal(t, model.AttachmentSourceAutoStripped, up.Attachment.Source)
	assert.Equal(t, int64(len(raw)), up.Attachment.FileSize)
	assert.Equal(t, raw, up.Data)

	assert.Contains(t, string(sp.Input), `"[input-attachment-1-42.png]"`)
	assert.NotContains(t, string(sp.Input), encoded)
	assert.Contains(t, string(sp.Input), `"prompt":"hi"`)
}

func TestStripIsIdempotent(t *testing.T) {
	encoded, _ := pngPayload(500)
	sp := &model.Span{
		ID:    uuid.New(),
		Input: model.JSON(fmt.Sprintf(`{"image": %q}`, encoded)),
	}
	s := testStripper()

	_, err := s.StripSpan(sp)
	require.NoError(t, err)
	stripped := string(sp.Input)

	again, err := s.StripSpan(sp)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, stripped, string(sp.Input))
}

func TestStripLeavesOrdinaryStrings(t *testing.T) {
	long := strings.Repeat("not base64 at all! ", 50)
	sp := &model.Span{
		ID:    uuid.New(),
		Input: model.JSON(fmt.Sprintf(`{"text": %q}`, long)),
	}
	uploads, err := testStripper().StripSpan(sp)
	require.NoError(t, err)
	assert.Empty(t, uploads)
	assert.Contains(t, string(sp.Input), "not base64 at all!")
}

func TestStripRejectsOversizedString(t *testing.T) {
	s := NewStripper(100, 200)
	sp := &model.Span{
		ID:    uuid.New(),
		Input: model.JSON(fmt.Sprintf(`{"text": %q}`, strings.Repeat("x", 300))),
	}
	_, err := s.StripSpan(sp)
	require.Error(t, err)
	reqErr, ok := err.(*model.RequestError)
	require.True(t, ok)
	assert.Equal(t, 400, reqErr.Code)
}

func TestStripWalksNestedTrees(t *testing.T) {
	encoded, _ := pngPayload(500)
	sp := &model.Span{
		ID:     uuid.New(),
		Input:  model.JSON(fmt.Sprintf(`{"steps": [{"frame": %q}, {"frame": %q}]}`, encoded, encoded)),
		Output: model.JSON(fmt.Sprintf(`{"result": %q}`, encoded)),
	}
	uploads, err := testStripper().StripSpan(sp)
	require.NoError(t, err)
	require.Len(t, uploads, 3)

	// Counters are per tree.
	assert.Equal(t, "input-attachment-1-42.png", uploads[0].Attachment.FileName)
	assert.Equal(t, "input-attachment-2-42.png", uploads[1].Attachment.FileName)
	assert.Equal(t, "output-attachment-1-42.png", uploads[2].Attachment.FileName)
}

func TestStripReinjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	encoded, _ := pngPayload(500)
	sp := &model.Span{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Input:     model.JSON(fmt.Sprintf(`{"image": %q}`, encoded)),
	}

	uploads, err := testStripper().StripSpan(sp)
	require.NoError(t, err)

	store := NewMemStore()
	require.NoError(t, NewUploader(store).Upload(ctx, "ws1", uploads))

	NewReinjector(store).ReinjectSpan(ctx, "ws1", sp)
	assert.Contains(t, string(sp.Input), encoded)
	assert.NotContains(t, string(sp.Input), "-attachment-")
}

func TestStripReinjectKeepsDataURLPrefix(t *testing.T) {
	ctx := context.Background()
	encoded, _ := pngPayload(500)
	original := "data:image/png;base64," + encoded
	sp := &model.Span{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Input:     model.JSON(fmt.Sprintf(`{"image": %q}`, original)),
	}

	uploads, err := testStripper().StripSpan(sp)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Contains(t, string(sp.Input), `"data:image/png;base64,[input-attachment-1-42.png]"`)

	store := NewMemStore()
	require.NoError(t, NewUploader(store).Upload(ctx, "ws1", uploads))

	NewReinjector(store).ReinjectSpan(ctx, "ws1", sp)
	assert.Contains(t, string(sp.Input), fmt.Sprintf(`"image":%q`, original))
}

func TestReinjectLeavesTokenWhenObjectMissing(t *testing.T) {
	sp := &model.Span{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Input:     model.JSON(`{"image": "[input-attachment-1-42.png]"}`),
	}
	NewReinjector(NewMemStore()).ReinjectSpan(context.Background(), "ws1", sp)
	assert.Contains(t, string(sp.Input), "[input-attachment-1-42.png]")
}

func TestReplaceAutoKeepsUserUploads(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	up := NewUploader(store)
	projectID, entityID := uuid.New(), uuid.New()

	auto := model.Attachment{
		ProjectID: projectID, EntityType: model.EntityTypeSpan, EntityID: entityID,
		FileName: "input-attachment-1-42.png",
	}
	user := model.Attachment{
		ProjectID: projectID, EntityType: model.EntityTypeSpan, EntityID: entityID,
		FileName: "report.pdf",
	}
	require.NoError(t, store.Put(ctx, auto.ObjectKey("ws1"), []byte("a"), ""))
	require.NoError(t, store.Put(ctx, user.ObjectKey("ws1"), []byte("b"), ""))

	require.NoError(t, up.ReplaceAuto(ctx, "ws1", projectID, model.EntityTypeSpan, entityID))

	list, err := up.List(ctx, "ws1", projectID, model.EntityTypeSpan, entityID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "report.pdf", list[0].FileName)
	assert.Equal(t, model.AttachmentSourceUserUploaded, list[0].Source)
}

func TestTruncate(t *testing.T) {
	body := model.JSON(`{"key": "` + strings.Repeat("v", 100) + `"}`)
	assert.Equal(t, body, Truncate(body, 1000))

	got := Truncate(body, 20)
	assert.LessOrEqual(t, len(got), 30)
	// Result is still a valid JSON value.
	var v interface{}
	require.NoError(t, json.Unmarshal(got, &v))
}
