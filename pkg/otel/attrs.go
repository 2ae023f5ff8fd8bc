// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package otel

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"

	"github.com/traceloom/traceloom/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// attrTarget says where a mapped attribute lands on the native span.
type attrTarget int

const (
	targetMetadata attrTarget = iota
	targetProvider
	targetModel
	targetThreadID
	targetInput
	targetOutput
	targetTags
)

// attrRules maps OTel attribute keys to native fields. Unlisted keys fall
// through to metadata with type detection.
var attrRules = map[string]attrTarget{
	"gen_ai.system": targetProvider,

	"model_name":              targetModel,
	"gen_ai.request.model":    targetModel,
	"gen_ai.response.model":   targetModel,
	"gen_ai.request_model":    targetModel,
	"gen_ai.response_model":   targetModel,

	"thread_id":              targetThreadID,
	"gen_ai.conversation.id": targetThreadID,

	"input":        targetInput,
	"tools":        targetInput,
	"all_messages": targetInput,

	"output":         targetOutput,
	"tool_responses": targetOutput,

	"opik.tags": targetTags,
}

// usageAttrs maps token-count attribute keys to usage map keys.
var usageAttrs = map[string]string{
	"gen_ai.usage.prompt_tokens":     "prompt_tokens",
	"gen_ai.usage.completion_tokens": "completion_tokens",
	"gen_ai.usage.input_tokens":      "prompt_tokens",
	"gen_ai.usage.output_tokens":     "completion_tokens",
	"gen_ai.usage.total_tokens":      "total_tokens",
	"llm.usage.total_tokens":         "total_tokens",
}

const metadataPrefix = "opik.metadata."

// applyAttributes distributes the OTel attributes onto the native span.
func applyAttributes(sp *model.Span, attrs []*commonpb.KeyValue) {
	inputFields := map[string]interface{}{}
	outputFields := map[string]interface{}{}
	metadataFields := map[string]interface{}{}

	for _, kv := range attrs {
		if kv == nil || kv.Key == "" {
			continue
		}
		key, value := kv.Key, kv.GetValue()

		if usageKey, ok := usageAttrs[key]; ok {
			if n, ok := anyValueInt(value); ok {
				if sp.Usage == nil {
					sp.Usage = make(map[string]int64)
				}
				sp.Usage[usageKey] = n
				continue
			}
		}

		if strings.HasPrefix(key, metadataPrefix) {
			metadataFields[strings.TrimPrefix(key, metadataPrefix)] = anyValueDetected(value)
			continue
		}

		switch attrRules[key] {
		case targetProvider:
			sp.Provider = anyValueString(value)
		case targetModel:
			sp.Model = anyValueString(value)
		case targetThreadID:
			sp.ThreadID = anyValueString(value)
		case targetInput:
			inputFields[key] = anyValueDetected(value)
		case targetOutput:
			outputFields[key] = anyValueDetected(value)
		case targetTags:
			sp.Tags = anyValueTags(value)
		default:
			metadataFields[key] = anyValueDetected(value)
		}
	}

	sp.Input = mergeFields(sp.Input, inputFields)
	sp.Output = mergeFields(sp.Output, outputFields)
	sp.Metadata = mergeFields(sp.Metadata, metadataFields)

	if sp.Type == "" {
		if sp.Model != "" || sp.Provider != "" {
			sp.Type = model.SpanTypeLLM
		} else {
			sp.Type = model.SpanTypeGeneral
		}
	}
}

// mergeFields folds extra key/value pairs into an existing JSON object.
func mergeFields(body model.JSON, extra map[string]interface{}) model.JSON {
	if len(extra) == 0 {
		return body
	}
	merged := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &merged); err != nil {
			merged = map[string]interface{}{"value": string(body)}
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return body
	}
	return out
}

// anyValueString renders any OTel value as a string; integers stringify.
func anyValueString(v *commonpb.AnyValue) string {
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(x.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(x.DoubleValue, 'f', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	default:
		return ""
	}
}

func anyValueInt(v *commonpb.AnyValue) (int64, bool) {
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_IntValue:
		return x.IntValue, true
	case *commonpb.AnyValue_DoubleValue:
		return int64(x.DoubleValue), true
	case *commonpb.AnyValue_StringValue:
		n, err := strconv.ParseInt(strings.TrimSpace(x.StringValue), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// anyValueDetected converts an OTel value to a JSON-ready Go value. String
// payloads that hold serialized JSON or numbers are promoted to their
// structured form.
func anyValueDetected(v *commonpb.AnyValue) interface{} {
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return detectString(x.StringValue)
	case *commonpb.AnyValue_IntValue:
		return x.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return x.DoubleValue
	case *commonpb.AnyValue_BoolValue:
		return x.BoolValue
	case *commonpb.AnyValue_ArrayValue:
		out := make([]interface{}, 0, len(x.ArrayValue.GetValues()))
		for _, item := range x.ArrayValue.GetValues() {
			out = append(out, anyValueDetected(item))
		}
		return out
	case *commonpb.AnyValue_KvlistValue:
		out := make(map[string]interface{}, len(x.KvlistValue.GetValues()))
		for _, kv := range x.KvlistValue.GetValues() {
			out[kv.GetKey()] = anyValueDetected(kv.GetValue())
		}
		return out
	case *commonpb.AnyValue_BytesValue:
		return x.BytesValue
	default:
		return nil
	}
}

func detectString(s string) interface{} {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 1 && (trimmed[0] == '[' || trimmed[0] == '{') {
		var v interface{}
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return s
}

// anyValueTags accepts either a native array or a JSON-array string.
func anyValueTags(v *commonpb.AnyValue) []string {
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_ArrayValue:
		out := make([]string, 0, len(x.ArrayValue.GetValues()))
		for _, item := range x.ArrayValue.GetValues() {
			out = append(out, anyValueString(item))
		}
		return out
	case *commonpb.AnyValue_StringValue:
		var tags []string
		if err := json.Unmarshal([]byte(x.StringValue), &tags); err == nil {
			return tags
		}
		return []string{x.StringValue}
	default:
		return nil
	}
}
