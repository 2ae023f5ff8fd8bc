// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package otel

import (
	"bytes"
	"compress/gzip"
	"io"
	"mime"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/traceloom/traceloom/pkg/model"
)

// Wire encodings accepted on the OTLP HTTP endpoint.
const (
	MediaTypeProtobuf = "application/x-protobuf"
	MediaTypeJSON     = "application/json"
)

// UnmarshalTraces decodes an OTLP trace export from either wire encoding.
// A gzip content encoding is transparently unwrapped.
func UnmarshalTraces(contentType, contentEncoding string, body []byte) (*coltracepb.ExportTraceServiceRequest, error) {
	if contentEncoding == "gzip" {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, model.NewBadRequest("Invalid gzip body: %v", err)
		}
		body, err = io.ReadAll(zr)
		if err != nil {
			return nil, model.NewBadRequest("Invalid gzip body: %v", err)
		}
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	req := &coltracepb.ExportTraceServiceRequest{}
	switch mediaType {
	case MediaTypeProtobuf:
		if err := proto.Unmarshal(body, req); err != nil {
			return nil, model.NewBadRequest("Invalid OTLP protobuf payload: %v", err)
		}
	case MediaTypeJSON:
		if err := protojson.Unmarshal(body, req); err != nil {
			return nil, model.NewBadRequest("Invalid OTLP JSON payload: %v", err)
		}
	default:
		return nil, model.NewBadRequest("Unsupported Content-Type %q, expected %s or %s",
			contentType, MediaTypeProtobuf, MediaTypeJSON)
	}
	return req, nil
}
