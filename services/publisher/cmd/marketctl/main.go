package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/macula-io/macula-marketplace/pkg/db"
	"github.com/macula-io/macula-marketplace/pkg/mesh"
	gos3 "github.com/macula-io/macula-marketplace/pkg/s3"
	"github.com/macula-io/macula-marketplace/services/catalog"
	"github.com/macula-io/macula-marketplace/services/events"
	"github.com/macula-io/macula-marketplace/services/publisher"
	"github.com/macula-io/macula-marketplace/services/revocation"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "marketctl",
		Short:         "Utility for publishing and curating marketplace artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newPublishCommand())
	cmd.AddCommand(newRevokeCommand())
	cmd.AddCommand(newDeprecateCommand())
	cmd.AddCommand(newLicenseRevokeCommand())
	cmd.AddCommand(newExportCommand())
	cmd.AddCommand(newImportCommand())
	return cmd
}

func meshURL() string {
	if url := os.Getenv("MESH_URL"); url != "" {
		return url
	}
	return "nats://127.0.0.1:4222"
}

func newMeshPublisher(namespace string) (*publisher.Publisher, func(), error) {
	conn, err := mesh.Connect(meshURL())
	if err != nil {
		return nil, nil, fmt.Errorf("connect mesh: %w", err)
	}

	signer, err := publisher.NewSignerFromEnv()
	if err != nil {
		signer = nil
	}

	pub, err := publisher.New(conn, signer, namespace, nil)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return pub, func() { conn.Close() }, nil
}

func newPublishCommand() *cobra.Command {
	var (
		manifestPath string
		namespace    string
		update       bool
		upload       bool
		bucket       string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Sign a manifest and announce it on the mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			mf, err := publisher.LoadManifestFile(manifestPath)
			if err != nil {
				return err
			}

			var manifest events.Manifest
			if upload {
				s3Client, err := gos3.NewClientFromEnv()
				if err != nil {
					return fmt.Errorf("s3 client: %w", err)
				}
				manifest, err = publisher.UploadArtifact(ctx, s3Client, bucket, mf)
				if err != nil {
					return fmt.Errorf("upload artifact: %w", err)
				}
			} else {
				manifest = mf.ToManifest()
			}

			pub, closeMesh, err := newMeshPublisher(namespace)
			if err != nil {
				return err
			}
			defer closeMesh()

			if err := pub.PublishManifest(manifest, update); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s@%s\n", manifest.ArtifactID, manifest.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Path to the artifact manifest YAML")
	cmd.Flags().StringVar(&namespace, "namespace", events.DefaultNamespace, "Mesh topic namespace")
	cmd.Flags().BoolVar(&update, "update", false, "Announce as an update to an existing version")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload the artifact payload to S3 before publishing")
	cmd.Flags().StringVar(&bucket, "bucket", "macula-artifacts", "S3 bucket for uploaded payloads")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func newRevokeCommand() *cobra.Command {
	var (
		namespace   string
		artifactID  string
		version     string
		reason      string
		advisoryURL string
	)

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Permanently revoke one artifact version",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, closeMesh, err := newMeshPublisher(namespace)
			if err != nil {
				return err
			}
			defer closeMesh()
			return pub.Revoke(artifactID, version, reason, advisoryURL)
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", events.DefaultNamespace, "Mesh topic namespace")
	cmd.Flags().StringVar(&artifactID, "artifact", "", "Artifact identifier")
	cmd.Flags().StringVar(&version, "version", "", "Version to revoke")
	cmd.Flags().StringVar(&reason, "reason", "", "Human-readable revocation reason")
	cmd.Flags().StringVar(&advisoryURL, "advisory-url", "", "Optional security advisory link")
	_ = cmd.MarkFlagRequired("artifact")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newDeprecateCommand() *cobra.Command {
	var (
		namespace     string
		artifactID    string
		version       string
		reason        string
		replacementID string
	)

	cmd := &cobra.Command{
		Use:   "deprecate",
		Short: "Mark an artifact version as deprecated",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, closeMesh, err := newMeshPublisher(namespace)
			if err != nil {
				return err
			}
			defer closeMesh()
			return pub.Deprecate(artifactID, version, reason, replacementID)
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", events.DefaultNamespace, "Mesh topic namespace")
	cmd.Flags().StringVar(&artifactID, "artifact", "", "Artifact identifier")
	cmd.Flags().StringVar(&version, "version", "", "Version to deprecate")
	cmd.Flags().StringVar(&reason, "reason", "", "Human-readable deprecation reason")
	cmd.Flags().StringVar(&replacementID, "replacement", "", "Artifact identifier to point consumers at instead")
	_ = cmd.MarkFlagRequired("artifact")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newLicenseRevokeCommand() *cobra.Command {
	var (
		namespace  string
		licenseCID string
	)

	cmd := &cobra.Command{
		Use:   "license-revoke",
		Short: "Revoke a license capability token mesh-wide",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, closeMesh, err := newMeshPublisher(namespace)
			if err != nil {
				return err
			}
			defer closeMesh()
			return pub.RevokeLicense(licenseCID)
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", events.DefaultNamespace, "Mesh topic namespace")
	cmd.Flags().StringVar(&licenseCID, "license-cid", "", "Content identifier of the license token")
	_ = cmd.MarkFlagRequired("license-cid")
	return cmd
}

func openStores(ctx context.Context) (*catalog.Store, *revocation.Store, func(), error) {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		return nil, nil, nil, fmt.Errorf("DB_DSN is required")
	}

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("open orm: %w", err)
	}

	store, err := catalog.NewStore(orm)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	revStore, err := revocation.NewStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return store, revStore, pool.Close, nil
}

func newExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the local projection to a compressed snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			store, revStore, closeDB, err := openStores(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			snap := publisher.Snapshot{ExportedAt: time.Now().UTC()}
			page := catalog.Page{Number: 1, Size: 100}
			for {
				res, err := store.ListAll(ctx, catalog.Filters{IncludeRevoked: true}, page)
				if err != nil {
					return err
				}
				snap.Records = append(snap.Records, res.Records...)
				if int64(len(snap.Records)) >= res.Total || len(res.Records) == 0 {
					break
				}
				page.Number++
			}

			snap.Revocations, err = revStore.List(ctx, time.Time{})
			if err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()

			if err := publisher.WriteSnapshot(f, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d records, %d revocations to %s\n",
				len(snap.Records), len(snap.Revocations), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Destination snapshot file (json.zst)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newImportCommand() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a snapshot into the local projection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			f, err := os.Open(input)
			if err != nil {
				return err
			}
			defer f.Close()

			snap, err := publisher.ReadSnapshot(f)
			if err != nil {
				return err
			}

			store, revStore, closeDB, err := openStores(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			for _, rec := range snap.Records {
				if _, err := store.Upsert(ctx, rec); err != nil {
					return fmt.Errorf("import %s@%s: %w", rec.ArtifactID, rec.Version, err)
				}
				if rec.RevokedAt != nil {
					if _, err := store.MarkRevoked(ctx, rec.ArtifactID, rec.Version, rec.RevokedReason, rec.AdvisoryURL, *rec.RevokedAt); err != nil {
						return fmt.Errorf("import revocation for %s@%s: %w", rec.ArtifactID, rec.Version, err)
					}
				}
				if rec.DeprecatedAt != nil {
					if _, err := store.MarkDeprecated(ctx, rec.ArtifactID, rec.Version, rec.DeprecatedReason, rec.ReplacementID, *rec.DeprecatedAt); err != nil {
						return fmt.Errorf("import deprecation for %s@%s: %w", rec.ArtifactID, rec.Version, err)
					}
				}
			}

			for _, e := range snap.Revocations {
				if err := revStore.Add(ctx, e); err != nil {
					return fmt.Errorf("import license revocation %s: %w", e.LicenseCID, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %d records, %d revocations\n",
				len(snap.Records), len(snap.Revocations))
			return nil
		},
	}

	cmd.Flags().StringVar(&input, "file", "", "Path to the snapshot file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
