package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Foxdelta8/dwarfcorp/internal/config"
	"github.com/Foxdelta8/dwarfcorp/internal/logging"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/archive"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/indexdb"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/objstore"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savecheck"
	"github.com/Foxdelta8/dwarfcorp/internal/persistence/savedir"
)

const usage = `usage: savetool <command> [flags]

commands:
  latest    print the most recent save directory
  list      list saves, newest first
  inspect   load a save and print a summary
  verify    load a save and check plain files against the schemas
  convert   rewrite a save with the other encoding
  archive   copy a save into the archive directory, optionally uploading it
  index     rebuild|list|latest the sqlite save index`

// env holds what every command needs after flag parsing.
type env struct {
	cfg config.Config
	log *zap.Logger
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "latest":
		latestCmd(args)
	case "list":
		listCmd(args)
	case "inspect":
		inspectCmd(args)
	case "verify":
		verifyCmd(args)
	case "convert":
		convertCmd(args)
	case "archive":
		archiveCmd(args)
	case "index":
		indexCmd(args)
	case "-h", "-help", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
}

// commonFlags registers -config and -env on fs and returns a loader for the
// resulting environment.
func commonFlags(fs *flag.FlagSet) func() env {
	cfgPath := fs.String("config", "", "yaml config file (optional)")
	dotenv := fs.String("env", ".env", "dotenv file (optional)")
	savesDir := fs.String("saves", "", "saves directory (overrides config)")
	return func() env {
		if *dotenv != "" {
			if err := godotenv.Load(*dotenv); err != nil && !os.IsNotExist(err) {
				fmt.Fprintln(os.Stderr, "load env:", err)
				os.Exit(1)
			}
		}
		cfg := config.Defaults()
		if *cfgPath != "" {
			c, err := config.Load(*cfgPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "load config:", err)
				os.Exit(1)
			}
			cfg = c
		}
		if err := cfg.ApplyEnv(); err != nil {
			fmt.Fprintln(os.Stderr, "config env:", err)
			os.Exit(2)
		}
		if *savesDir != "" {
			cfg.SavesDir = *savesDir
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		log, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
		if err != nil {
			fmt.Fprintln(os.Stderr, "logger:", err)
			os.Exit(1)
		}
		return env{cfg: cfg, log: log.Named("savetool")}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// saveDirArg resolves -dir, falling back to the most recent save.
func saveDirArg(e env, dir string) string {
	if strings.TrimSpace(dir) != "" {
		return dir
	}
	latest, ok, err := savedir.FindMostRecentSave(e.cfg.SavesDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "find latest:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "no saves in", e.cfg.SavesDir)
		os.Exit(2)
	}
	return latest
}

func openIndex(e env) *indexdb.SQLiteIndex {
	if e.cfg.IndexDB == "" {
		return nil
	}
	idx, err := indexdb.OpenSQLite(e.cfg.IndexDB, e.log)
	if err != nil {
		e.log.Warn("save index unavailable", zap.String("path", e.cfg.IndexDB), zap.Error(err))
		return nil
	}
	return idx
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func latestCmd(args []string) {
	fs := flag.NewFlagSet("latest", flag.ExitOnError)
	load := commonFlags(fs)
	_ = fs.Parse(args)
	e := load()
	defer e.log.Sync()

	dir, ok, err := savedir.FindMostRecentSave(e.cfg.SavesDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "find latest:", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(3)
	}
	fmt.Println(dir)
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	load := commonFlags(fs)
	asJSON := fs.Bool("json", false, "print json")
	_ = fs.Parse(args)
	e := load()
	defer e.log.Sync()

	saves, err := savedir.ListSaves(e.cfg.SavesDir, e.cfg.Options(e.log, nil))
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	if *asJSON {
		type row struct {
			Dir        string    `json:"dir"`
			Time       time.Time `json:"time"`
			GameID     *int      `json:"game_id,omitempty"`
			Overworld  string    `json:"overworld,omitempty"`
			Screenshot string    `json:"screenshot,omitempty"`
			Error      string    `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(saves))
		for _, s := range saves {
			r := row{Dir: s.Dir, Time: s.Time, Screenshot: s.Screenshot}
			if s.Metadata != nil {
				id := s.Metadata.GameID
				r.GameID = &id
				r.Overworld = s.Metadata.OverworldFile
			}
			if s.MetadataErr != nil {
				r.Error = s.MetadataErr.Error()
			}
			rows = append(rows, r)
		}
		printJSON(rows)
		return
	}
	for _, s := range saves {
		desc := "(no metadata)"
		if s.Metadata != nil {
			desc = fmt.Sprintf("game=%d overworld=%s", s.Metadata.GameID, s.Metadata.OverworldFile)
		}
		fmt.Printf("%s\t%s\t%s\n", s.Time.Format(time.RFC3339), s.Name, desc)
	}
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	load := commonFlags(fs)
	dir := fs.String("dir", "", "save directory (defaults to the most recent save)")
	_ = fs.Parse(args)
	e := load()
	defer e.log.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	path := saveDirArg(e, *dir)
	b, err := savedir.Load(ctx, path, nil, e.cfg.Options(e.log, nil))
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	voxels := 0
	for _, c := range b.Chunks {
		voxels += c.Voxels()
	}
	printJSON(map[string]any{
		"dir":        path,
		"metadata":   b.Metadata,
		"chunks":     len(b.Chunks),
		"voxels":     voxels,
		"factions":   len(b.World.Factions),
		"companies":  len(b.World.Companies),
		"entities":   len(b.World.Entities),
		"refs":       len(b.World.Refs()),
		"screenshot": b.Screenshot != nil,
	})
}

func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	load := commonFlags(fs)
	dir := fs.String("dir", "", "save directory (defaults to the most recent save)")
	_ = fs.Parse(args)
	e := load()
	defer e.log.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	path := saveDirArg(e, *dir)
	rep, err := savecheck.Verify(ctx, path, e.cfg.Options(e.log, nil))
	if rep == nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	fmt.Printf("%s game=%d chunks=%d entities=%d schema_files=%d\n",
		path, rep.Metadata.GameID, rep.Chunks, rep.Entities, rep.SchemaFiles)
	if err != nil {
		fmt.Fprintln(os.Stderr, "verify:", err)
		os.Exit(1)
	}
}

func convertCmd(args []string) {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	load := commonFlags(fs)
	dir := fs.String("dir", "", "save directory (required)")
	out := fs.String("out", "", "output directory (defaults to rewriting -dir in place)")
	compressed := fs.Bool("compressed", true, "write the compressed encoding")
	_ = fs.Parse(args)
	e := load()
	defer e.log.Sync()

	if strings.TrimSpace(*dir) == "" {
		fmt.Fprintln(os.Stderr, "missing -dir")
		os.Exit(2)
	}
	dst := *out
	if dst == "" {
		dst = *dir
	}

	ctx, cancel := signalContext()
	defer cancel()

	readOpts := e.cfg.Options(e.log, nil)
	readOpts.DetectEncoding = true
	b, err := savedir.Load(ctx, *dir, nil, readOpts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	shot := b.Screenshot

	idx := openIndex(e)
	if idx != nil {
		defer idx.Close()
	}
	writeOpts := e.cfg.Options(e.log, nil)
	writeOpts.Compressed = *compressed
	if idx != nil {
		writeOpts.Index = idx
	}
	if err := savedir.SaveAtomic(ctx, dst, b, writeOpts); err != nil {
		fmt.Fprintln(os.Stderr, "save:", err)
		os.Exit(1)
	}
	if shot != nil {
		if _, err := savedir.WriteScreenshot(dst, shot.Image); err != nil {
			e.log.Warn("copy screenshot", zap.Error(err))
		}
	}
	fmt.Println(dst)
}

func archiveCmd(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	load := commonFlags(fs)
	dir := fs.String("dir", "", "save directory (defaults to the most recent save)")
	upload := fs.Bool("upload", false, "also upload the archive to the configured remote bucket")
	_ = fs.Parse(args)
	e := load()
	defer e.log.Sync()

	path := saveDirArg(e, *dir)
	dst, am, err := archive.ArchiveSave(e.cfg.ArchiveDir, path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "archive:", err)
		os.Exit(1)
	}
	e.log.Info("archived", zap.String("src", path), zap.String("dst", dst), zap.Int("files", am.Files))
	fmt.Println(dst)

	if !*upload {
		return
	}
	rc := e.cfg.Remote
	if !rc.Enabled() {
		fmt.Fprintln(os.Stderr, "upload: remote endpoint/bucket not configured")
		os.Exit(2)
	}
	client, err := objstore.New(rc.Endpoint, rc.Bucket, objstore.Credentials{
		AccessKeyID:     rc.AccessKey,
		SecretAccessKey: rc.SecretKey,
		Region:          rc.Region,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "upload:", err)
		os.Exit(2)
	}
	up := objstore.NewUploader(client, e.cfg.ArchiveDir, rc.Prefix, e.cfg.Workers, e.log)
	ctx, stop := signalContext()
	defer stop()
	n, err := up.EnqueueDir(ctx, dst)
	up.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "upload:", err)
		os.Exit(1)
	}
	st := up.Stats()
	e.log.Info("upload complete", zap.Int("files", n), zap.Uint64("uploaded", st.Uploaded), zap.Uint64("failed", st.Failed))
	if st.Failed > 0 || st.Dropped > 0 {
		os.Exit(1)
	}
}

func indexCmd(args []string) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	load := commonFlags(fs)
	dbPath := fs.String("db", "", "sqlite db path (overrides config index_db)")
	_ = fs.Parse(args)
	e := load()
	defer e.log.Sync()

	q := "list"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *dbPath != "" {
		e.cfg.IndexDB = *dbPath
	}
	if e.cfg.IndexDB == "" {
		e.cfg.IndexDB = filepath.Join(e.cfg.SavesDir, "index.sqlite")
	}
	idx, err := indexdb.OpenSQLite(e.cfg.IndexDB, e.log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := signalContext()
	defer cancel()

	switch q {
	case "rebuild":
		saves, err := savedir.ListSaves(e.cfg.SavesDir, e.cfg.Options(e.log, nil))
		if err != nil {
			fmt.Fprintln(os.Stderr, "list:", err)
			os.Exit(1)
		}
		n := 0
		for _, s := range saves {
			if s.Metadata == nil {
				continue
			}
			chunks, err := savedir.ReadChunks(ctx, s.Dir, savedir.Options{DetectEncoding: true, Logger: e.log})
			if err != nil {
				e.log.Warn("skip save", zap.String("dir", s.Dir), zap.Error(err))
				continue
			}
			idx.RecordSave(s.Dir, *s.Metadata, len(chunks))
			n++
		}
		if st := idx.Stats(); st.DropSavesTotal > 0 {
			e.log.Warn("index rows dropped", zap.Uint64("dropped", st.DropSavesTotal))
		}
		fmt.Printf("indexed %d saves\n", n)
	case "list":
		rows, err := idx.ListSaves(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		printJSON(rows)
	case "latest":
		row, ok, err := idx.LatestSave(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		if !ok {
			os.Exit(3)
		}
		printJSON(row)
	default:
		fmt.Fprintf(os.Stderr, "unknown index query %q (rebuild|list|latest)\n", q)
		os.Exit(2)
	}
}
