package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Charana123/biter/config"
	"github.com/Charana123/biter/server"
	"github.com/Charana123/biter/swarm"
	"github.com/Charana123/biter/torrent"
	humanize "github.com/dustin/go-humanize"
	"github.com/jpillora/opts"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

var version = "0.0.0-src" //set with ldflags

type cli struct {
	Torrent string `help:"path to the .torrent file"`
	Config  string `help:"optional config file (YAML, TOML or JSON)"`
	Seed    bool   `help:"keep uploading after the download completes"`
}

func main() {
	c := cli{}
	opts.New(&c).Name("biter").Version(version).Parse()

	if err := run(c); err != nil {
		logrus.WithError(err).Fatal("biter failed")
	}
}

func run(c cli) error {
	if c.Torrent == "" {
		return errors.New("--torrent is required")
	}
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	log := logrus.NewEntry(logrus.StandardLogger())

	peers, err := swarm.ParsePeers(cfg.Peers)
	if err != nil {
		return err
	}
	fs := afero.NewOsFs()
	sw, err := swarm.New(cfg, [torrent.HashSize]byte{}, swarm.FileStorage(fs, cfg.DownloadDir), log)
	if err != nil {
		return err
	}
	sv, err := server.NewServer(cfg.Port, sw, log)
	if err != nil {
		return err
	}
	// advertise the port actually bound
	cfg.Port = sv.Port()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sv.Serve(ctx)
	})
	g.Go(func() error {
		return sw.Run(ctx, torrent.NewFileSource(fs, c.Torrent), peers)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-sw.Events():
				log.WithField("done", humanize.FtoaWithDigits(sw.Completion()*100, 1)+"%").Info(ev.String())
				if ev.Kind == swarm.DownloadComplete && !c.Seed {
					cancel()
					return nil
				}
			}
		}
	})
	err = g.Wait()

	up, down := sw.Transferred()
	log.WithFields(logrus.Fields{
		"uploaded":   humanize.Bytes(uint64(up)),
		"downloaded": humanize.Bytes(uint64(down)),
	}).Info("bye")
	return err
}
