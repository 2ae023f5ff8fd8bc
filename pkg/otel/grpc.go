// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package otel

import (
	"context"
	"net"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/traceloom/traceloom/pkg/log"
	"github.com/traceloom/traceloom/pkg/metrics"
)

// ExportHandler receives one translated batch for persistence.
type ExportHandler func(ctx context.Context, workspaceID string, batch *Batch) error

// GRPCReceiver serves the OTLP gRPC trace service. Workspace and project
// are read from request metadata headers, mirroring the HTTP endpoint.
type GRPCReceiver struct {
	coltracepb.UnimplementedTraceServiceServer

	translator       *Translator
	handler          ExportHandler
	defaultWorkspace string

	server *grpc.Server
}

// NewGRPCReceiver builds a receiver delivering batches to handler.
func NewGRPCReceiver(translator *Translator, defaultWorkspace string, handler ExportHandler) *GRPCReceiver {
	return &GRPCReceiver{
		translator:       translator,
		handler:          handler,
		defaultWorkspace: defaultWorkspace,
	}
}

// Start begins serving on addr; it returns once the listener is bound.
func (r *GRPCReceiver) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.server = grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(r.server, r)
	go func() {
		if err := r.server.Serve(ln); err != nil {
			log.Errorf("otlp grpc server exited: %v", err) //nolint:errcheck
		}
	}()
	log.Infof("listening for OTLP gRPC traffic on %s", addr)
	return nil
}

// Stop drains the gRPC server.
func (r *GRPCReceiver) Stop() {
	if r.server != nil {
		r.server.GracefulStop()
	}
}

// Export implements the OTLP trace service.
func (r *GRPCReceiver) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	workspaceID, projectName := r.defaultWorkspace, ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("workspace-name"); len(v) > 0 && v[0] != "" {
			workspaceID = v[0]
		}
		if v := md.Get("project-name"); len(v) > 0 {
			projectName = v[0]
		}
	}

	batch, err := r.translator.Translate(workspaceID, projectName, req)
	if err != nil {
		return nil, err
	}
	if err := r.handler(ctx, workspaceID, batch); err != nil {
		return nil, err
	}
	metrics.Count("otlp.grpc.spans", int64(len(batch.Spans)), nil, 1)
	return &coltracepb.ExportTraceServiceResponse{}, nil
}
