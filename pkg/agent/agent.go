// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Package agent assembles the backend: stores, auth, attachment pipeline,
// HTTP and OTLP receivers. It owns startup order and graceful shutdown.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/traceloom/traceloom/pkg/api"
	"github.com/traceloom/traceloom/pkg/attachment"
	"github.com/traceloom/traceloom/pkg/auth"
	"github.com/traceloom/traceloom/pkg/config"
	"github.com/traceloom/traceloom/pkg/cost"
	"github.com/traceloom/traceloom/pkg/log"
	"github.com/traceloom/traceloom/pkg/metrics"
	"github.com/traceloom/traceloom/pkg/notify"
	"github.com/traceloom/traceloom/pkg/otel"
	"github.com/traceloom/traceloom/pkg/project"
	"github.com/traceloom/traceloom/pkg/store"
)

const heartbeatInterval = 20 * time.Second

// Agent is the assembled backend process.
type Agent struct {
	conf *config.Config

	conn      *store.Conn
	projects  *project.Store
	publisher notify.Publisher
	receiver  *api.Receiver
	grpc      *otel.GRPCReceiver
}

// New wires every component from the configuration. Nothing is listening
// until Run is called.
func New(ctx context.Context, conf *config.Config) (*Agent, error) {
	if err := log.SetupDefaultLogger(conf.LogLevel); err != nil {
		return nil, errors.Wrap(err, "setting up logger")
	}
	if conf.StatsdAddr != "" {
		if err := metrics.Setup(conf.StatsdAddr); err != nil {
			log.Warnf("statsd unavailable, metrics disabled: %v", err) //nolint:errcheck
		}
	}
	if conf.PricingFile != "" {
		table, err := cost.LoadFile(conf.PricingFile)
		if err != nil {
			return nil, errors.Wrap(err, "loading pricing file")
		}
		cost.Swap(table)
	}

	conn, err := store.Dial(store.Options{
		Addr:         conf.ClickHouseAddr,
		Database:     conf.ClickHouseDatabase,
		User:         conf.ClickHouseUser,
		Password:     conf.ClickHousePassword,
		QueryTimeout: conf.QueryTimeout,
		MaxRetries:   conf.MaxRetries,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to analytics store")
	}
	if err := conn.EnsureSchema(ctx); err != nil {
		conn.Close() //nolint:errcheck
		return nil, errors.Wrap(err, "ensuring analytics schema")
	}

	projects, err := project.New(conf.PostgresDSN)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, errors.Wrap(err, "connecting to metadata store")
	}
	if err := projects.EnsureSchema(ctx); err != nil {
		projects.Close() //nolint:errcheck
		conn.Close()     //nolint:errcheck
		return nil, errors.Wrap(err, "ensuring metadata schema")
	}

	objects, err := objectStore(ctx, conf)
	if err != nil {
		projects.Close() //nolint:errcheck
		conn.Close()     //nolint:errcheck
		return nil, err
	}

	var authn auth.Authenticator
	if conf.AuthServiceURL != "" {
		authn = auth.NewRemote(conf.AuthServiceURL, conf.AuthCacheTTL)
	} else {
		log.Infof("no auth service configured, running single-tenant as %q", conf.DefaultWorkspace)
		authn = &auth.SingleTenant{Workspace: conf.DefaultWorkspace}
	}

	var publisher notify.Publisher = notify.Nop{}
	if conf.AMQPURL != "" {
		p, err := notify.NewAMQP(conf.AMQPURL, conf.AMQPExchange)
		if err != nil {
			log.Warnf("broker unavailable, notifications disabled: %v", err) //nolint:errcheck
		} else {
			publisher = p
		}
	}

	translator := otel.NewTranslator()
	receiver := api.NewReceiver(conf, api.Deps{
		Auth:       authn,
		Projects:   projects,
		Spans:      store.NewSpanStore(conn, conf.BatchSizeCap),
		Traces:     store.NewTraceStore(conn, conf.BatchSizeCap),
		Feedback:   store.NewFeedbackStore(conn, conf.BatchSizeCap),
		Comments:   store.NewCommentStore(conn),
		Uploads:    attachment.NewUploader(objects),
		Reinjector: attachment.NewReinjector(objects),
		Stripper:   attachment.NewStripper(conf.AttachmentMinSize, conf.MaxJSONStringBytes),
		Translator: translator,
		Publisher:  publisher,
	})

	a := &Agent{
		conf:      conf,
		conn:      conn,
		projects:  projects,
		publisher: publisher,
		receiver:  receiver,
	}
	if conf.OTLPGRPCPort > 0 {
		a.grpc = otel.NewGRPCReceiver(translator, conf.DefaultWorkspace,
			func(ctx context.Context, workspaceID string, batch *otel.Batch) error {
				return receiver.PersistBatch(ctx, workspaceID, "otel", batch)
			})
	}
	return a, nil
}

// objectStore picks the attachment backend: S3 when a bucket is
// configured, in-memory otherwise.
func objectStore(ctx context.Context, conf *config.Config) (attachment.ObjectStore, error) {
	if conf.S3Bucket == "" {
		log.Warnf("no S3 bucket configured, attachments are held in memory") //nolint:errcheck
		return attachment.NewMemStore(), nil
	}
	s3store, err := attachment.NewS3Store(ctx, conf.S3Bucket, conf.S3Region, conf.S3Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to object store")
	}
	return s3store, nil
}

// Run starts the receivers and blocks until ctx is cancelled, then shuts
// everything down in reverse order.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.receiver.Start(); err != nil {
		return err
	}
	if a.grpc != nil {
		addr := fmt.Sprintf(":%d", a.conf.OTLPGRPCPort)
		if err := a.grpc.Start(addr); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.Gauge("agent.running", 1, nil, 1) //nolint:errcheck
		case <-ctx.Done():
			return a.stop()
		}
	}
}

func (a *Agent) stop() error {
	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := a.receiver.Stop(shutdownCtx)
	if a.grpc != nil {
		a.grpc.Stop()
	}
	a.publisher.Close() //nolint:errcheck
	a.projects.Close()  //nolint:errcheck
	a.conn.Close()      //nolint:errcheck
	metrics.Flush()
	log.Flush()
	return err
}
