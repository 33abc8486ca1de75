package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/blobkv/internal/kv"
)

func (a *app) newGetCommand() *cobra.Command {
	var (
		ifNoneMatch     string
		ifModifiedSince string
		strict          bool
		output          string
		showMeta        bool
	)
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Read the current value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			since, err := parseTimeFlag("if-modified-since", ifModifiedSince)
			if err != nil {
				return err
			}
			ctx, store, cfg, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			key := args[0]
			res, err := store.Get(ctx, key, kv.GetOptions{
				Namespace:       cfg.Namespace,
				IfNoneMatch:     ifNoneMatch,
				IfModifiedSince: since,
				FailOnMissing:   strict,
			})
			if err != nil {
				return err
			}
			defer res.Close()
			if res.Status != kv.StatusOK {
				return statusError("get", key, res.Status)
			}
			if showMeta {
				printEntry(cmd.ErrOrStderr(), res.Entry)
			}
			var dst io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				dst = f
			}
			if _, err := io.Copy(dst, res.Body); err != nil {
				return fmt.Errorf("get %s: %w", key, err)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&ifNoneMatch, "if-none-match", "", "only return the value when its ETag differs")
	flags.StringVar(&ifModifiedSince, "if-modified-since", "", "only return the value when modified after this RFC 3339 time")
	flags.BoolVar(&strict, "strict", false, "treat a missing key as an error rather than a status")
	flags.StringVarP(&output, "output", "o", "", "write the value to this file instead of stdout")
	flags.BoolVar(&showMeta, "meta", false, "print entry metadata to stderr")
	return cmd
}

func (a *app) newPutCommand() *cobra.Command {
	var (
		file              string
		value             string
		contentType       string
		contentEncoding   string
		ifMatch           string
		ifUnmodifiedSince string
		expiresAt         string
		ttl               time.Duration
	)
	cmd := &cobra.Command{
		Use:   "put KEY",
		Short: "Write a value to a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" && cmd.Flags().Changed("value") {
				return fmt.Errorf("--file and --value are mutually exclusive")
			}
			if expiresAt != "" && ttl != 0 {
				return fmt.Errorf("--expires-at and --ttl are mutually exclusive")
			}
			if ttl < 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			since, err := parseTimeFlag("if-unmodified-since", ifUnmodifiedSince)
			if err != nil {
				return err
			}
			expires, err := parseTimeFlag("expires-at", expiresAt)
			if err != nil {
				return err
			}
			body, err := putBody(cmd, file, value)
			if err != nil {
				return err
			}
			if c, ok := body.(io.Closer); ok {
				defer c.Close()
			}
			ctx, store, cfg, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			if ttl > 0 {
				expires = time.Now().Add(ttl)
			}
			key := args[0]
			res, err := store.Put(ctx, key, body, kv.PutOptions{
				Namespace:         cfg.Namespace,
				ContentType:       contentType,
				ContentEncoding:   contentEncoding,
				IfMatch:           ifMatch,
				IfUnmodifiedSince: since,
				ExpiresAt:         expires,
			})
			if err != nil {
				return err
			}
			if res.Status != kv.StatusOK {
				return statusError("put", key, res.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Entry.ETag)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "read the value from this file (- for stdin)")
	flags.StringVar(&value, "value", "", "literal value to store")
	flags.StringVar(&contentType, "content-type", "", "content type recorded with the value (default application/octet-stream)")
	flags.StringVar(&contentEncoding, "content-encoding", "", "content encoding recorded with the value")
	flags.StringVar(&ifMatch, "if-match", "", "only write when the current ETag matches")
	flags.StringVar(&ifUnmodifiedSince, "if-unmodified-since", "", "only write when not modified after this RFC 3339 time")
	flags.StringVar(&expiresAt, "expires-at", "", "RFC 3339 time after which the entry reads as missing")
	flags.DurationVar(&ttl, "ttl", 0, "expire the entry this long after the write")
	return cmd
}

func putBody(cmd *cobra.Command, file, value string) (io.Reader, error) {
	switch {
	case file == "-":
		return cmd.InOrStdin(), nil
	case file != "":
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open value file: %w", err)
		}
		return f, nil
	case cmd.Flags().Changed("value"):
		return strings.NewReader(value), nil
	default:
		return nil, fmt.Errorf("one of --file or --value is required")
	}
}

func (a *app) newDeleteCommand() *cobra.Command {
	var ifMatch, ifUnmodifiedSince string
	cmd := &cobra.Command{
		Use:     "delete KEY",
		Aliases: []string{"rm"},
		Short:   "Delete a key and its snapshots",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			since, err := parseTimeFlag("if-unmodified-since", ifUnmodifiedSince)
			if err != nil {
				return err
			}
			ctx, store, cfg, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			key := args[0]
			status, err := store.Delete(ctx, key, kv.DeleteOptions{
				Namespace:         cfg.Namespace,
				IfMatch:           ifMatch,
				IfUnmodifiedSince: since,
			})
			if err != nil {
				return err
			}
			return statusError("delete", key, status)
		},
	}
	cmd.Flags().StringVar(&ifMatch, "if-match", "", "only delete when the current ETag matches")
	cmd.Flags().StringVar(&ifUnmodifiedSince, "if-unmodified-since", "", "only delete when not modified after this RFC 3339 time")
	return cmd
}

func (a *app) newSnapshotCommand() *cobra.Command {
	var ifMatch, ifUnmodifiedSince string
	cmd := &cobra.Command{
		Use:   "snapshot KEY",
		Short: "Take a point-in-time snapshot of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			since, err := parseTimeFlag("if-unmodified-since", ifUnmodifiedSince)
			if err != nil {
				return err
			}
			ctx, store, cfg, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			key := args[0]
			res, err := store.Snapshot(ctx, key, kv.SnapshotOptions{
				Namespace:         cfg.Namespace,
				IfMatch:           ifMatch,
				IfUnmodifiedSince: since,
			})
			if err != nil {
				return err
			}
			if res.Status != kv.StatusOK {
				return statusError("snapshot", key, res.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.SnapshotID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ifMatch, "if-match", "", "only snapshot when the current ETag matches")
	cmd.Flags().StringVar(&ifUnmodifiedSince, "if-unmodified-since", "", "only snapshot when not modified after this RFC 3339 time")
	return cmd
}

func (a *app) newContainerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "container",
		Short: "Manage the backing container",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create the container when it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, store, _, err := a.openStore(cmd)
			if err != nil {
				return err
			}
			created, err := store.CreateContainerIfMissing(ctx)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintln(cmd.OutOrStdout(), "created")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "exists")
			}
			return nil
		},
	})
	return cmd
}

// statusError maps a non-OK status to an exitError. StatusOK yields nil.
func statusError(op, key string, status kv.Status) error {
	var code int
	switch status {
	case kv.StatusOK:
		return nil
	case kv.StatusNotFound:
		code = exitNotFound
	case kv.StatusPreconditionFailed:
		code = exitPreconditionFailed
	case kv.StatusNotModified:
		code = exitNotModified
	default:
		code = exitFailure
	}
	return &exitError{code: code, err: fmt.Errorf("%s %s: %s", op, key, strings.ReplaceAll(status.String(), "_", " "))}
}

func parseTimeFlag(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func printEntry(w io.Writer, e kv.Entry) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "key: %s\n", e.Key)
	if e.Namespace != "" {
		fmt.Fprintf(&buf, "namespace: %s\n", e.Namespace)
	}
	fmt.Fprintf(&buf, "etag: %s\n", e.ETag)
	fmt.Fprintf(&buf, "content-type: %s\n", e.ContentType)
	if e.ContentEncoding != "" {
		fmt.Fprintf(&buf, "content-encoding: %s\n", e.ContentEncoding)
	}
	fmt.Fprintf(&buf, "size: %s\n", humanizeBytes(e.Size))
	if !e.LastModified.IsZero() {
		fmt.Fprintf(&buf, "last-modified: %s (%s)\n", e.LastModified.UTC().Format(time.RFC3339), humanize.Time(e.LastModified))
	}
	if !e.ExpiresAt.IsZero() {
		fmt.Fprintf(&buf, "expires-at: %s (%s)\n", kv.FormatExpires(e.ExpiresAt), humanize.Time(e.ExpiresAt))
	}
	_, _ = w.Write(buf.Bytes())
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}
