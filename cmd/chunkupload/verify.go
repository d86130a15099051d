package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-chunked-upload/blob/s3blob"
	"github.com/bitrise-io/go-chunked-upload/envconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

// downloader fetches a committed object. *s3blob.Object satisfies it.
type downloader interface {
	Name() string
	Download(ctx context.Context, w io.WriterAt) (int64, error)
}

func newVerifyCmd(logger log.Logger, envRepo env.Repository) *cobra.Command {
	cfg := defaultConfig()
	envErr := envconf.Parse(&cfg, envRepo)

	cmd := &cobra.Command{
		Use:   "verify [flags] local-file",
		Short: "Check that an uploaded object matches the local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("parse env: %w", envErr)
			}

			t, err := parseTarget(cfg.Target)
			if err != nil {
				return err
			}
			if t.scheme != schemeS3 {
				return fmt.Errorf("verify needs an s3:// target, got %s", cfg.Target)
			}
			key, err := t.keyFor(filepath.Base(args[0]), false)
			if err != nil {
				return err
			}

			obj, err := s3blob.NewFromParams(cmd.Context(), s3blob.Params{
				Region:          cfg.Region,
				Bucket:          t.bucket,
				Key:             key,
				Endpoint:        cfg.Endpoint,
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: string(cfg.SecretAccessKey),
			}, logger)
			if err != nil {
				return err
			}

			return verify(cmd.Context(), logger, obj, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Target, "target", cfg.Target, "uploaded object: s3://bucket/key or s3://bucket/prefix/")
	flags.StringVar(&cfg.Region, "region", cfg.Region, "AWS region of the bucket")
	flags.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "custom S3 endpoint, for S3 compatible stores")

	return cmd
}

func verify(ctx context.Context, logger log.Logger, obj downloader, localPath string) error {
	localSum, localSize, err := fileChecksum(localPath)
	if err != nil {
		return err
	}

	tmpDir, err := pathutil.NewPathProvider().CreateTempDir("chunkupload-verify")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			logger.Warnf("Remove %s: %s", tmpDir, err)
		}
	}()

	remotePath := filepath.Join(tmpDir, "object")
	f, err := os.Create(remotePath)
	if err != nil {
		return err
	}

	logger.Infof("Downloading %s", obj.Name())
	_, err = obj.Download(ctx, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	remoteSum, remoteSize, err := fileChecksum(remotePath)
	if err != nil {
		return err
	}

	if localSize != remoteSize || localSum != remoteSum {
		return fmt.Errorf("%s does not match %s: local %s (%s), remote %s (%s)",
			obj.Name(), localPath, localSum, units.HumanSize(float64(localSize)), remoteSum, units.HumanSize(float64(remoteSize)))
	}

	logger.Donef("%s matches %s (sha256 %s)", obj.Name(), localPath, localSum)
	return nil
}

func fileChecksum(pth string) (string, int64, error) {
	f, err := os.Open(pth)
	if err != nil {
		return "", 0, err
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("checksum %s: %w", pth, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
