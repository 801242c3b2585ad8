package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pyropy/chunkmesh/lib/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var log = zap.NewNop().Sugar()

func main() {
	app := &cli.App{
		Name:  "meshnode",
		Usage: "replicate encrypted chunks across a peer mesh",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"MESH_LOG_LEVEL", "LOG_LEVEL"},
			},
		},
		Before: func(ctx *cli.Context) error {
			l, err := logger.NewWithLevel("meshnode", ctx.String("log-level"))
			if err != nil {
				return err
			}

			log = l
			return nil
		},
		Commands: []*cli.Command{
			serveCmd,
			statsCmd,
			fetchCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorw("startup", "error", err)
		os.Exit(1)
	}
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run a mesh node",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "peer-id", Usage: "overrides MESH_PEER_ID"},
		&cli.StringFlag{Name: "listen", Usage: "overrides MESH_LISTEN_ADDR"},
		&cli.StringSliceFlag{Name: "peer", Usage: "id@host:port, overrides MESH_PEERS"},
		&cli.StringFlag{Name: "data-dir", Usage: "overrides MESH_DATA_DIR"},
		&cli.StringFlag{Name: "workspace", Usage: "overrides MESH_WORKSPACE"},
		&cli.IntFlag{Name: "redundancy", Usage: "overrides MESH_REDUNDANCY_TARGET"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.IsSet("peer-id") {
			os.Setenv("MESH_PEER_ID", ctx.String("peer-id"))
		}

		cfg, err := GetConfig()
		if err != nil {
			log.Errorw("startup", "error", "config error")
			return err
		}

		if ctx.IsSet("listen") {
			cfg.Transport.ListenAddr = ctx.String("listen")
		}
		if ctx.IsSet("peer") {
			cfg.Transport.Peers = ctx.StringSlice("peer")
		}
		if ctx.IsSet("data-dir") {
			cfg.Node.DataDir = ctx.String("data-dir")
		}
		if ctx.IsSet("workspace") {
			cfg.Node.Workspace = ctx.String("workspace")
		}
		if ctx.IsSet("redundancy") {
			cfg.Replication.RedundancyTarget = ctx.Int("redundancy")
		}

		return serve(*cfg)
	},
}

func serve(cfg NodeConfig) error {
	gin.SetMode(gin.ReleaseMode)

	node, err := NewNode(cfg, log)
	if err != nil {
		return err
	}

	if err := node.OpenWorkspace(cfg.Node.Workspace); err != nil {
		log.Errorw("startup", "error", "failed to open workspace", "workspace", cfg.Node.Workspace)
		return err
	}
	defer node.Close()

	NewAPI(node).Register(node.transport.Router())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go node.transport.StartHealthCheck(ctx)

	srv := &http.Server{
		Addr:              cfg.Transport.ListenAddr,
		Handler:           node.transport.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("startup", "status", "mesh node started", "peer", cfg.Transport.PeerID, "address", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-shutdown:
		log.Infow("shutdown", "status", "mesh node stopping", "signal", sig.String())

		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()

		if err := srv.Shutdown(sctx); err != nil {
			srv.Close()
			return err
		}
	}

	log.Infow("shutdown", "status", "mesh node stopped", "address", srv.Addr)
	return nil
}
