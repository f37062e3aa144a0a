package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/gdrive-zipbackup/backup"
	"github.com/gdrive-zipbackup/config"
	"github.com/gdrive-zipbackup/drive"
	"github.com/gdrive-zipbackup/fetch"
	"github.com/gdrive-zipbackup/repair"
	"github.com/gdrive-zipbackup/restore"
	"github.com/gdrive-zipbackup/version"
)

func usage() {
	fmt.Printf(`zipbackup - back up a Google Drive subtree into flat zip archives.

Archives hold one member per remote file, named by the file's id, plus a
manifest mapping members back to their original Drive paths. Google-native
documents are exported to portable formats. Restores upload an archive back
to Drive and can resume after interruption; repair re-fetches members
missing from a damaged archive.

Usage: zipbackup [options] backup
       zipbackup [options] restore <archive>
       zipbackup [options] restore --resume-dir <dir>
       zipbackup [options] repair <archive>

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	// setup cli parsing
	configPath := flag.StringP("config-file", "f", config.DefaultPath(),
		"A YAML-formatted configuration file used by zipbackup.")
	logLevel := flag.StringP("log", "l", "",
		"Set logging level/verbosity. "+
			"Can be one of: fatal, error, warn, info, debug, trace")
	parallelTasks := flag.IntP("parallel", "p", 0,
		"Number of parallel transfers, 1-10. Overrides max_parallel_tasks.")
	priorArchive := flag.String("prior-archive", "",
		"Prior archive to copy unchanged files from during backup.")
	resumeDir := flag.String("resume-dir", "",
		"Resume an interrupted restore from this preserved extraction directory.")
	ifDue := flag.Bool("if-due", false,
		"Back up only when the configured backup cycle has elapsed since the "+
			"last successful backup.")
	excludes := flag.StringArray("exclude", nil,
		"Additional relative path to exclude from backup. May be repeated.")
	versionFlag := flag.BoolP("version", "v", false, "Display program version.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Print(version.GetVersionInfo())
		os.Exit(0)
	}

	cfg := config.Load(*configPath)
	// command line options override config options
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *parallelTasks != 0 {
		cfg.MaxParallelTasks = *parallelTasks
	}
	cfg.ExcludedRelativePaths = append(cfg.ExcludedRelativePaths, *excludes...)

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("Unknown log level, using info.")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	command := flag.Arg(0)
	if command == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go handleSignals(cancel)

	client, err := drive.New(ctx, &drive.Options{
		ConfigDir:          cfg.Auth.ConfigDir,
		ServiceAccountFile: cfg.Auth.ServiceAccountFile,
		Impersonate:        cfg.Auth.Impersonate,
		EnvAuth:            cfg.Auth.EnvAuth,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create the Drive client.")
	}
	fetcher := fetch.New(client)

	var ok bool
	switch command {
	case "backup":
		ok = runBackup(ctx, client, fetcher, cfg, *configPath, *priorArchive, *ifDue)
	case "restore":
		ok = runRestore(ctx, client, cfg, flag.Arg(1), *resumeDir)
	case "repair":
		ok = runRepair(ctx, client, fetcher, cfg, flag.Arg(1))
	default:
		log.Error().Str("command", command).Msg("Unknown command.")
		flag.Usage()
		os.Exit(2)
	}
	if !ok {
		os.Exit(1)
	}
}

// handleSignals cancels the operation on the first interrupt and exits hard
// on the second.
func handleSignals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Warn().Msg("Interrupt received, finishing in-flight work. Interrupt again to exit immediately.")
	cancel()
	<-sigChan
	log.Error().Msg("Second interrupt, exiting without cleanup.")
	os.Exit(1)
}

func runBackup(ctx context.Context, client *drive.Fs, fetcher *fetch.Fetcher,
	cfg *config.Config, configPath, priorArchive string, ifDue bool) bool {
	if cfg.RemoteBackupRootID == "" {
		log.Error().Msg("remote_backup_root_id is not configured.")
		return false
	}
	if ifDue && !cfg.BackupDue(time.Now().UTC()) {
		log.Info().Str("last", cfg.LastSuccessfulBackupUTC).Msg("Backup not due yet, nothing to do.")
		return true
	}

	engine := backup.New(client, fetcher, backup.Options{
		RootFolderID: cfg.RemoteBackupRootID,
		PriorArchive: priorArchive,
		Exclusions:   cfg.ExcludedRelativePaths,
		MaxParallel:  cfg.MaxParallelTasks,
		TempDir:      cfg.TempWorkDir,
		OutputDir:    cfg.ArchiveOutputDir,
	})
	result, err := engine.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Backup failed.")
		return false
	}
	if result.Cancelled {
		log.Warn().Msg("Backup cancelled.")
		return false
	}
	if result.Success {
		cfg.LastSuccessfulBackupUTC = time.Now().UTC().Format(time.RFC3339)
		if err := cfg.Write(configPath); err != nil {
			log.Warn().Err(err).Msg("Could not record the successful backup time.")
		}
	}
	return result.Success
}

func runRestore(ctx context.Context, client *drive.Fs, cfg *config.Config,
	archivePath, resumeDir string) bool {
	if archivePath == "" && resumeDir == "" {
		log.Error().Msg("restore needs an archive path or --resume-dir.")
		return false
	}
	if archivePath != "" && cfg.RemoteRestoreParentID == "" {
		log.Error().Msg("remote_restore_parent_id is not configured.")
		return false
	}

	engine := restore.New(client, restore.Options{
		ArchivePath:     archivePath,
		ResumeDir:       resumeDir,
		RestoreParentID: cfg.RemoteRestoreParentID,
		MaxParallel:     cfg.MaxParallelTasks,
		TempDir:         cfg.TempWorkDir,
	})
	result, err := engine.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Restore failed.")
		return false
	}
	if result.Cancelled {
		log.Warn().Str("resume_dir", result.ExtractDir).
			Msg("Restore cancelled. Re-run with --resume-dir to continue.")
		return false
	}
	if !result.Success && result.ExtractDir != "" {
		log.Warn().Str("resume_dir", result.ExtractDir).
			Msg("Restore incomplete. Re-run with --resume-dir to continue.")
	}
	return result.Success
}

func runRepair(ctx context.Context, client *drive.Fs, fetcher *fetch.Fetcher,
	cfg *config.Config, archivePath string) bool {
	if archivePath == "" {
		log.Error().Msg("repair needs an archive path.")
		return false
	}

	engine := repair.New(client, fetcher, repair.Options{
		ArchivePath: archivePath,
		MaxParallel: cfg.MaxParallelTasks,
		TempDir:     cfg.TempWorkDir,
		OutputDir:   cfg.ArchiveOutputDir,
	})
	result, err := engine.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Repair failed.")
		return false
	}
	if result.Cancelled {
		log.Warn().Msg("Repair cancelled.")
		return false
	}
	if result.RepairedArchivePath != "" {
		log.Info().Str("archive", result.RepairedArchivePath).Msg("Repaired archive written.")
	}
	return result.OverallSuccess
}
