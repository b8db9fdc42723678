// Package rplugin is the entry point for editor remote-plugin
// binaries. A plugin binary declares its handlers with the plugin
// package and hands them to Main, which either serves them over the
// editor connection or, in manifest mode, emits the spec manifest the
// editor uses to build its dispatch tables.
package rplugin

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/editkit/rplugin-go/config"
	"github.com/editkit/rplugin-go/plugin"
	"github.com/editkit/rplugin-go/rpc"
	"github.com/editkit/rplugin-go/transport"
)

// Main runs a plugin binary. Flags:
//
//	-manifest            write the spec manifest and exit
//	-manifest-file PATH  write the manifest to PATH instead of stdout
//	-watch DIR           with -manifest-file, keep regenerating the
//	                     manifest whenever DIR changes
//
// Without -manifest it connects to the editor (stdio by default,
// RPLUG_TCP / RPLUG_SOCKET override), registers the declared plugins
// and serves until the connection closes. Main does not return except
// on fatal setup errors, which it reports with a non-zero exit.
func Main(name string, defs ...*plugin.Plugin) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	manifest := fs.Bool("manifest", false, "write the spec manifest and exit")
	manifestFile := fs.String("manifest-file", "", "manifest destination path (default stdout)")
	watchDir := fs.String("watch", "", "regenerate the manifest when this directory changes")
	fs.Parse(os.Args[1:])

	cfg, err := config.FromEnv()
	if err != nil {
		fatal(err)
	}
	log, err := config.NewLogger(cfg)
	if err != nil {
		fatal(err)
	}

	if *manifest {
		if err := runManifest(defs, *manifestFile, *watchDir, log); err != nil {
			fatal(err)
		}
		return
	}

	t, err := dial(cfg)
	if err != nil {
		fatal(err)
	}
	sess := rpc.Dial(t, rpc.WithLogger(log))
	defer sess.Close()

	host := plugin.NewHost(sess, plugin.WithHostLogger(log), plugin.WithClientName(name))
	for _, d := range defs {
		if err := host.Register(d); err != nil {
			fatal(err)
		}
	}
	if err := host.Run(); err != nil {
		log.Error("host terminated", "err", err)
		os.Exit(1)
	}
}

func runManifest(defs []*plugin.Plugin, file, watchDir string, log *slog.Logger) error {
	write := func() error {
		if file == "" {
			return plugin.WriteManifest(os.Stdout, defs...)
		}
		return plugin.WriteManifestFile(file, defs...)
	}
	if err := write(); err != nil {
		return err
	}
	if watchDir == "" {
		return nil
	}
	if file == "" {
		return fmt.Errorf("rplugin: -watch requires -manifest-file")
	}
	return plugin.Watch(context.Background(), []string{watchDir}, func() {
		log.Info("plugin sources changed; regenerating manifest", "file", file)
		if err := write(); err != nil {
			log.Error("regenerate manifest failed", "err", err)
		}
	}, log)
}

func dial(cfg config.Config) (transport.Transport, error) {
	switch {
	case cfg.TCPAddr != "":
		return transport.DialTCP(cfg.TCPAddr)
	case cfg.Socket != "":
		return transport.DialUnix(cfg.Socket)
	default:
		return transport.Stdio(), nil
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
