// Command tg is a thin client shell over pkg/client: it dials a tgd
// server and issues object, process, and tag operations, plus checking
// in a local directory tree and pushing the resulting graph.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tangramdotdev/tangram/pkg/checkin"
	"github.com/tangramdotdev/tangram/pkg/client"
	"github.com/tangramdotdev/tangram/pkg/config"
	"github.com/tangramdotdev/tangram/pkg/kv/boltkv"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/store"
	"github.com/tangramdotdev/tangram/pkg/tag"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tg",
	Short:   "tg talks to a tangram node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tg version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	config.RegisterClientFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(objectCmd)
	objectCmd.AddCommand(objectGetCmd, objectPutCmd)

	rootCmd.AddCommand(processCmd)
	processCmd.AddCommand(processSpawnCmd, processWaitCmd)

	rootCmd.AddCommand(tagCmd)
	tagCmd.AddCommand(tagPutCmd, tagListCmd, tagDeleteCmd)

	rootCmd.AddCommand(checkinCmd)
}

// dial builds a client connection from the persistent --api-addr/--cert-file/
// etc flags shared by every subcommand.
func dial(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := config.ClientFromCommand(cmd)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := tlsConfigFor(cfg)
	if err != nil {
		return nil, err
	}
	return client.Dial(cfg.APIAddr, tlsConfig)
}

func tlsConfigFor(cfg config.Client) (*tls.Config, error) {
	if cfg.Insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" || cfg.CAFile == "" {
		return nil, tgerror.New(tgerror.Invalid, "tg.tlsConfigFor", "--cert-file, --key-file, and --ca-file are required unless --insecure is set")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "tg.tlsConfigFor", err, "failed to load client certificate")
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.IO, "tg.tlsConfigFor", err, "failed to read CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, tgerror.New(tgerror.Invalid, "tg.tlsConfigFor", "CA file contains no valid certificates")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS13}, nil
}

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Get and put content-addressed objects",
}

var objectGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch an object's canonical bytes and write them to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := object.Parse(args[0])
		if err != nil {
			return err
		}
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		data, err := c.GetObject(cmd.Context(), id)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var objectPutCmd = &cobra.Command{
	Use:   "put <kind> <file>",
	Short: "Store a file's bytes as an object of the given kind and print its id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := parseKindArg(args[0])
		if !ok {
			return tgerror.New(tgerror.Invalid, "tg.objectPut", "unrecognized object kind "+args[0])
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return tgerror.Wrap(tgerror.IO, "tg.objectPut", err, "failed to read "+args[1])
		}
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.PutObject(cmd.Context(), kind, data)
		if err != nil {
			return err
		}
		fmt.Println(id.String())
		return nil
	},
}

func parseKindArg(s string) (object.Kind, bool) {
	for k := object.KindBlobLeaf; k <= object.KindError; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Spawn and wait on processes",
}

var processSpawnCmd = &cobra.Command{
	Use:   "spawn <command-id>",
	Short: "Spawn a process from a stored command and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmdID, err := object.Parse(args[0])
		if err != nil {
			return err
		}
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		procID, err := c.SpawnProcess(cmd.Context(), cmdID)
		if err != nil {
			return err
		}
		fmt.Println(procID.String())
		return nil
	},
}

var processWaitCmd = &cobra.Command{
	Use:   "wait <process-id>",
	Short: "Poll until a process finishes and print the resulting output or error object id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		procID, err := object.Parse(args[0])
		if err != nil {
			return err
		}
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		pattern := tag.Join("process", procID.String(), "*")
		ctx := cmd.Context()
		for {
			entries, err := c.ListTags(ctx, string(pattern))
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				for _, e := range entries {
					fmt.Printf("%s\t%s\n", e.Tag, e.Object)
				}
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Manage the tag namespace",
}

var tagPutCmd = &cobra.Command{
	Use:   "put <tag> <object-id>",
	Short: "Point a tag at an object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := object.Parse(args[1])
		if err != nil {
			return err
		}
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.PutTag(cmd.Context(), args[0], id, "", 0, time.Now().UnixNano())
	},
}

var tagListCmd = &cobra.Command{
	Use:   "list <pattern>",
	Short: "List tags matching a pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		entries, err := c.ListTags(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\n", e.Tag, e.Object)
		}
		return nil
	},
}

var tagDeleteCmd = &cobra.Command{
	Use:   "delete <prefix>",
	Short: "Delete a tag and everything nested under it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.DeleteTag(cmd.Context(), args[0])
	},
}

var (
	checkinTagName  string
	checkinCacheDir string
)

var checkinCmd = &cobra.Command{
	Use:   "checkin <path>",
	Short: "Discover a directory tree, solve its dependency graph, and push it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cacheDir := checkinCacheDir
		if cacheDir == "" {
			dir, err := os.MkdirTemp("", "tg-checkin-*")
			if err != nil {
				return tgerror.Wrap(tgerror.IO, "tg.checkin", err, "failed to create staging directory")
			}
			defer os.RemoveAll(dir)
			cacheDir = dir
		}

		// Discover and solve locally against a staging store: resolving
		// dependency references (tag patterns, existing object ids) needs
		// a real store.Store/tag.Store to query, not just a write-only
		// sink, so checking in always stages through a local bbolt
		// database before anything is pushed to the server.
		buckets := append(append([]string{}, store.Buckets...), tag.Buckets...)
		kvStore, err := boltkv.Open(cacheDir, buckets)
		if err != nil {
			return err
		}
		defer kvStore.Close()
		localStore := store.New(kvStore)
		localTags := tag.New(kvStore, func() int64 { return time.Now().UnixNano() })

		staged := &recordingSink{store: localStore}
		state, err := checkin.Discover(args[0], staged)
		if err != nil {
			return tgerror.Wrap(tgerror.IO, "tg.checkin", err, "failed to discover "+args[0])
		}

		graph, err := checkin.Solve(cmd.Context(), localTags, localStore, *state)
		if err != nil {
			return tgerror.Wrap(tgerror.Unresolved, "tg.checkin", err, "failed to solve dependency graph")
		}
		graphData := graph.Encode()
		graphID := object.Of(graph.Kind(), graphData)
		staged.ids = append(staged.ids, graphID)
		if _, err := localStore.Put(graph.Kind(), graphData); err != nil {
			return err
		}

		c, err := dial(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		for _, id := range staged.ids {
			data, err := localStore.Get(id)
			if err != nil {
				return err
			}
			if _, err := c.PutObject(cmd.Context(), id.Kind(), data); err != nil {
				return err
			}
		}
		fmt.Println(graphID.String())

		if checkinTagName != "" {
			if err := c.PutTag(cmd.Context(), checkinTagName, graphID, "", 0, time.Now().UnixNano()); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	checkinCmd.Flags().StringVar(&checkinTagName, "tag", "", "tag to point at the resulting graph")
	checkinCmd.Flags().StringVar(&checkinCacheDir, "cache-dir", "", "staging directory for discovered objects (default: a temporary directory, removed after push)")
}

// recordingSink stores every node discovery produces in a local store
// and remembers the assigned ids in discovery order, so checkin can
// later push exactly the set of objects it created without needing to
// walk the resulting graph back apart.
type recordingSink struct {
	store *store.Store
	ids   []object.Id
}

func (s *recordingSink) Put(kind object.Kind, data []byte) (object.Id, error) {
	id, err := s.store.Put(kind, data)
	if err != nil {
		return object.Id{}, err
	}
	s.ids = append(s.ids, id)
	return id, nil
}
