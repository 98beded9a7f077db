package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hako/durafmt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tapecat/internal/app"
	"tapecat/internal/config"
	"tapecat/internal/database"
	"tapecat/internal/encryption"
	"tapecat/internal/model"
	"tapecat/internal/mover"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer
// a.Close(). operation identifies the CLI command being run.
func newApp(operation string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// readPassphrase prompts for a passphrase without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(raw), nil
}

var rootCmd = &cobra.Command{
	Use:   "tapecat",
	Short: "Backup catalog and volume lifecycle manager",
}

// config commands

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and archive keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		directorID := uuid.New().String()
		cfg := config.NewConfig(directorID, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		passphrase, err := readPassphrase("Archive key passphrase: ")
		if err != nil {
			return err
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return fmt.Errorf("creating encryptor: %w", err)
		}
		if err := enc.Setup(passphrase); err != nil {
			return fmt.Errorf("generating archive keys: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Director ID: %s\n", directorID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Director ID:      %s\n", cfg.DirectorID)
		fmt.Printf("Base Dir:         %s\n", cfg.BaseDir)
		fmt.Printf("Catalog:          %s\n", cfg.Database.Path())
		fmt.Printf("Job retention:    %s\n", durafmt.Parse(cfg.Retention.JobRetention.Duration))
		fmt.Printf("Volume retention: %s\n", durafmt.Parse(cfg.Retention.VolumeRetention.Duration))
		return nil
	},
}

// db commands

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the catalog database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the catalog schema to the latest generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, err := database.NewSQLiteEngine(cfg.Database.Path())
		if err != nil {
			return fmt.Errorf("opening catalog: %w", err)
		}
		defer eng.Close()

		if err := eng.Migrate(); err != nil {
			return fmt.Errorf("migrating catalog: %w", err)
		}
		fmt.Println("Catalog schema is up to date.")
		return nil
	},
}

var dbCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the catalog schema generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, err := database.NewSQLiteEngine(cfg.Database.Path())
		if err != nil {
			return fmt.Errorf("opening catalog: %w", err)
		}
		defer eng.Close()

		if err := eng.CheckSchema(); err != nil {
			return err
		}
		fmt.Println("Catalog schema matches this binary.")
		return nil
	},
}

var dbArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Snapshot the catalog to the configured vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("DBArchive")
		if err != nil {
			return err
		}
		defer a.Close()

		version, size, err := a.ArchiveCatalog(cmd.Context())
		if err != nil {
			return fmt.Errorf("archiving catalog: %w", err)
		}
		fmt.Printf("Archived catalog version %d (%s)\n", version, humanize.Bytes(uint64(size)))
		return nil
	},
}

var dbRetrieveCmd = &cobra.Command{
	Use:   "retrieve DEST",
	Short: "Download and decrypt the newest catalog archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("DBRetrieve")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readPassphrase("Archive key passphrase: ")
		if err != nil {
			return err
		}
		size, err := a.RetrieveCatalog(cmd.Context(), passphrase, args[0])
		if err != nil {
			return fmt.Errorf("retrieving catalog: %w", err)
		}
		fmt.Printf("Retrieved catalog to %s (%s)\n", args[0], humanize.Bytes(uint64(size)))
		return nil
	},
}

// volume commands

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Manage volumes",
}

var volumeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		poolName, _ := cmd.Flags().GetString("pool")

		a, err := newApp("VolumeList")
		if err != nil {
			return err
		}
		defer a.Close()

		volumes, err := a.ListVolumes(cmd.Context(), poolName)
		if err != nil {
			return err
		}
		if len(volumes) == 0 {
			fmt.Println("No volumes found.")
			return nil
		}

		for _, m := range volumes {
			lastWritten := "never"
			if !m.LastWritten.IsZero() {
				lastWritten = humanize.Time(m.LastWritten)
			}
			changer := " "
			if m.InChanger {
				changer = "*"
			}
			fmt.Printf("%-20s %-8s %10s  jobs:%-4d written:%s%s\n",
				m.VolumeName, m.VolStatus, humanize.Bytes(uint64(m.VolBytes)),
				m.VolJobs, lastWritten, changer)
		}
		return nil
	},
}

var volumePruneCmd = &cobra.Command{
	Use:   "prune VOLUME",
	Short: "Apply retention to a volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("VolumePrune")
		if err != nil {
			return err
		}
		defer a.Close()

		purged, err := a.PruneVolume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if purged {
			fmt.Printf("Volume %s purged, eligible for recycling\n", args[0])
		} else {
			fmt.Printf("Volume %s still within retention\n", args[0])
		}
		return nil
	},
}

var volumePurgeCmd = &cobra.Command{
	Use:   "purge VOLUME",
	Short: "Forget a volume's job history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleteRow, _ := cmd.Flags().GetBool("delete")

		a, err := newApp("VolumePurge")
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.PurgeVolume(cmd.Context(), args[0], deleteRow)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d jobs, %d files, %d volume associations\n",
			counts.Jobs, counts.Files, counts.JobMedia)
		return nil
	},
}

var volumeRecycleCmd = &cobra.Command{
	Use:   "recycle VOLUME",
	Short: "Mark a purged volume reusable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("VolumeRecycle")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RecycleVolume(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Volume %s recycled\n", args[0])
		return nil
	},
}

var volumeNextCmd = &cobra.Command{
	Use:   "next POOL MEDIATYPE",
	Short: "Show which volume the pool would write next",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		inChanger, _ := cmd.Flags().GetBool("inchanger")

		a, err := newApp("VolumeNext")
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.NextVolume(cmd.Context(), args[0], args[1], inChanger)
		if err != nil {
			return err
		}
		if m == nil {
			fmt.Println("No writable volume: a new volume must be labeled.")
			return nil
		}
		fmt.Printf("%s (%s, %s used)\n", m.VolumeName, m.VolStatus, humanize.Bytes(uint64(m.VolBytes)))
		return nil
	},
}

// job commands

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		clientName, _ := cmd.Flags().GetString("client")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("JobList")
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.ListJobs(cmd.Context(), clientName, limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs recorded.")
			return nil
		}

		for _, j := range jobs {
			duration := ""
			if !j.EndTime.IsZero() && !j.StartTime.IsZero() {
				duration = durafmt.Parse(j.EndTime.Sub(j.StartTime).Truncate(time.Second)).LimitFirstN(2).String()
			}
			fmt.Printf("%-8d %-20s %s%s %s  %8s  files:%-6d %10s  %s\n",
				j.JobID, j.Name, j.Type, j.Level, j.Status,
				j.StartTime.Format("2006-01-02 15:04"),
				j.JobFiles, humanize.Bytes(uint64(j.JobBytes)), duration)
		}
		return nil
	},
}

var jobIngestCmd = &cobra.Command{
	Use:   "ingest PATH",
	Short: "Record a local directory tree as a completed backup job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		clientName, _ := cmd.Flags().GetString("client")
		fileSetName, _ := cmd.Flags().GetString("fileset")
		digests, _ := cmd.Flags().GetBool("digests")

		a, err := newApp("JobIngest")
		if err != nil {
			return err
		}
		defer a.Close()

		job, res, err := a.IngestDirectory(cmd.Context(), app.IngestRequest{
			JobName:     name,
			ClientName:  clientName,
			FileSetName: fileSetName,
			Root:        args[0],
			Recursive:   true,
			Digests:     digests,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Job %d recorded: %d files, %s, %d skipped\n",
			job.JobID, res.Files, humanize.Bytes(uint64(res.Bytes)), res.Skipped)
		return nil
	},
}

var chainCmd = &cobra.Command{
	Use:   "chain CLIENT FILESET",
	Short: "Show the accurate backup chain for a client and fileset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		asOfRaw, _ := cmd.Flags().GetString("asof")
		levelRaw, _ := cmd.Flags().GetString("level")
		level, err := parseChainLevel(levelRaw)
		if err != nil {
			return err
		}

		a, err := newApp("Chain")
		if err != nil {
			return err
		}
		defer a.Close()

		var asOf time.Time
		if asOfRaw != "" {
			asOf, err = time.Parse("2006-01-02 15:04:05", asOfRaw)
			if err != nil {
				return fmt.Errorf("parsing --asof: %w", err)
			}
		}

		jobs, err := a.ComputeChain(cmd.Context(), args[0], args[1], asOf, level)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No usable full backup: the chain is empty.")
			return nil
		}

		for _, j := range jobs {
			fmt.Printf("%-8d %s %s  files:%-6d %10s\n",
				j.JobID, j.Level, j.StartTime.Format("2006-01-02 15:04:05"),
				j.JobFiles, humanize.Bytes(uint64(j.JobBytes)))
		}
		return nil
	},
}

func parseChainLevel(s string) (model.JobLevel, error) {
	switch s {
	case "incremental", "I":
		return model.JobLevelIncremental, nil
	case "differential", "D":
		return model.JobLevelDifferential, nil
	case "virtualfull":
		return model.JobLevelVirtualFull, nil
	case "full", "F":
		return model.JobLevelFull, nil
	}
	return "", fmt.Errorf("unknown backup level %q", s)
}

// move commands

func runMover(cmd *cobra.Command, jobType model.JobType, poolName string) error {
	pattern, _ := cmd.Flags().GetString("job-pattern")
	uncopied, _ := cmd.Flags().GetBool("uncopied")

	crit := mover.SelectionCriteria{Type: mover.SelectJobName, Pattern: pattern}
	if uncopied {
		crit = mover.SelectionCriteria{Type: mover.SelectUncopiedJobs}
	} else if pattern == "" {
		crit.Pattern = ".*"
	}

	a, err := newApp("Mover")
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.RunMover(cmd.Context(), jobType, poolName, crit,
		mover.NewLocalDialer(a.Catalog()))
	if err != nil {
		return err
	}

	var ok, failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("job %d: %s: %v\n", r.SourceJobID, r.State, r.Err)
			continue
		}
		ok++
		fmt.Printf("job %d -> %d: %s (%s)\n",
			r.SourceJobID, r.NewJobID, r.State, humanize.Bytes(uint64(r.Stats.Bytes)))
	}
	fmt.Printf("%d moved, %d failed\n", ok, failed)
	if failed > 0 {
		return fmt.Errorf("%d control jobs failed", failed)
	}
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate POOL",
	Short: "Migrate jobs out of a pool into its next pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMover(cmd, model.JobTypeMigrate, args[0])
	},
}

var copyCmd = &cobra.Command{
	Use:   "copy POOL",
	Short: "Copy jobs from a pool into its next pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMover(cmd, model.JobTypeCopy, args[0])
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbCheckCmd)
	dbCmd.AddCommand(dbArchiveCmd)
	dbCmd.AddCommand(dbRetrieveCmd)

	volumeCmd.AddCommand(volumeListCmd)
	volumeListCmd.Flags().StringP("pool", "p", "", "Restrict to one pool")
	volumeCmd.AddCommand(volumePruneCmd)
	volumeCmd.AddCommand(volumePurgeCmd)
	volumePurgeCmd.Flags().Bool("delete", false, "Also delete the media row")
	volumeCmd.AddCommand(volumeRecycleCmd)
	volumeCmd.AddCommand(volumeNextCmd)
	volumeNextCmd.Flags().Bool("inchanger", false, "Prefer loaded volumes")

	jobCmd.AddCommand(jobListCmd)
	jobListCmd.Flags().StringP("client", "c", "", "Restrict to one client")
	jobListCmd.Flags().IntP("limit", "n", 50, "Maximum number of jobs to show")
	jobCmd.AddCommand(jobIngestCmd)
	jobIngestCmd.Flags().String("name", "adhoc", "Job name")
	jobIngestCmd.Flags().String("client", "localhost", "Client name")
	jobIngestCmd.Flags().String("fileset", "adhoc", "FileSet name")
	jobIngestCmd.Flags().Bool("digests", false, "Compute MD5 digests of file contents")

	chainCmd.Flags().String("asof", "", "Chain as of this time (2006-01-02 15:04:05)")
	chainCmd.Flags().String("level", "incremental", "Requesting backup level: incremental, differential or virtualfull")

	for _, c := range []*cobra.Command{migrateCmd, copyCmd} {
		c.Flags().String("job-pattern", "", "Select source jobs by name regex")
		c.Flags().Bool("uncopied", false, "Select jobs with no completed copy")
	}

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(copyCmd)
}
