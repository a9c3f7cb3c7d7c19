// Package extproc adapts the pipeline capability interfaces onto a helper
// executable (the CASA-side worker). Every call runs `<bin> <op>` with a JSON
// request on stdin and reads a JSON reply from stdout. Exit code 75
// (EX_TEMPFAIL) marks a failure as transient.
package extproc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	"github.com/deepsynoptic/mosaicd"
)

const exitTempFail = 75

type Options struct {
	// Bin is the helper executable path.
	Bin string
	// WorkDir is the helper's working directory; empty inherits ours.
	WorkDir string
	// Timeout bounds one invocation; zero means no bound beyond ctx.
	Timeout time.Duration
}

// Client implements Solver, Applier, Imager, MosaicBuilder, Photometer,
// DataRegistry and Converter over one helper binary.
type Client struct {
	options Options
}

func New(options Options) *Client {
	return &Client{options: options}
}

func (c *Client) invoke(ctx context.Context, op string, req, resp any) error {
	if c.options.Bin == "" {
		return mosaicd.Errorf(mosaicd.Config, "extproc: no helper binary configured for %s", op)
	}
	if c.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(req)
	if err != nil {
		return mosaicd.Error{Code: mosaicd.Validation, Err: err, UserData: op}
	}
	cmd := exec.CommandContext(ctx, c.options.Bin, op)
	cmd.Dir = c.options.WorkDir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return mosaicd.Errorf(mosaicd.Timeout, "extproc: %s timed out: %v", op, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := mosaicd.Permanent
			if exitErr.ExitCode() == exitTempFail {
				code = mosaicd.Transient
			}
			return mosaicd.Errorf(code, "extproc: %s exited %d: %s", op, exitErr.ExitCode(), stderr.String())
		}
		return mosaicd.Error{Code: mosaicd.Resource, Err: err, UserData: op}
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(stdout.Bytes(), resp); err != nil {
		return mosaicd.Error{Code: mosaicd.Corrupt, Err: err, UserData: op}
	}
	return nil
}

type solveRequest struct {
	MS       string               `json:"ms"`
	CalField string               `json:"cal_field"`
	Refant   string               `json:"refant"`
	Prefix   string               `json:"prefix"`
	BPTables []string             `json:"bp_tables,omitempty"`
	Options  mosaicd.SolveOptions `json:"options"`
}

type tablesResponse struct {
	Tables []string `json:"tables"`
}

func (c *Client) SolveBandpass(ctx context.Context, msPath, calField, refant, prefix string, opts mosaicd.SolveOptions) ([]string, error) {
	var resp tablesResponse
	err := c.invoke(ctx, "solve-bandpass", solveRequest{
		MS: msPath, CalField: calField, Refant: refant, Prefix: prefix, Options: opts,
	}, &resp)
	return resp.Tables, err
}

func (c *Client) SolveGains(ctx context.Context, msPath, calField, refant string, bpTables []string, prefix string, opts mosaicd.SolveOptions) ([]string, error) {
	var resp tablesResponse
	err := c.invoke(ctx, "solve-gains", solveRequest{
		MS: msPath, CalField: calField, Refant: refant, Prefix: prefix, BPTables: bpTables, Options: opts,
	}, &resp)
	return resp.Tables, err
}

func (c *Client) Rephase(ctx context.Context, msPath string, raDeg, decDeg float64) error {
	return c.invoke(ctx, "rephase", map[string]any{
		"ms": msPath, "ra_deg": raDeg, "dec_deg": decDeg,
	}, nil)
}

func (c *Client) PopulateModel(ctx context.Context, msPath, calName string) error {
	return c.invoke(ctx, "populate-model", map[string]any{
		"ms": msPath, "cal_name": calName,
	}, nil)
}

func (c *Client) Apply(ctx context.Context, msPath, field string, gaintables []string, calwt bool) error {
	return c.invoke(ctx, "apply-cal", map[string]any{
		"ms": msPath, "field": field, "gaintables": gaintables, "calwt": calwt,
	}, nil)
}

func (c *Client) Image(ctx context.Context, msPath, imageBasename string, opts mosaicd.ImageOptions) error {
	return c.invoke(ctx, "image", map[string]any{
		"ms": msPath, "base": imageBasename, "options": opts,
	}, nil)
}

func (c *Client) Build(ctx context.Context, imagePaths, weightPaths []string, outPath string) error {
	return c.invoke(ctx, "mosaic", map[string]any{
		"images": imagePaths, "weights": weightPaths, "out": outPath,
	}, nil)
}

func (c *Client) Measure(ctx context.Context, mosaicPath string, config map[string]any) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	err := c.invoke(ctx, "photometry", map[string]any{
		"mosaic": mosaicPath, "config": config,
	}, &resp)
	return resp.JobID, err
}

func (c *Client) Register(ctx context.Context, dataType, id, path string, metadata map[string]any, autoPublish bool) error {
	return c.invoke(ctx, "product-register", map[string]any{
		"data_type": dataType, "id": id, "path": path,
		"metadata": metadata, "auto_publish": autoPublish,
	}, nil)
}

func (c *Client) Finalize(ctx context.Context, id, qaStatus, validationStatus string) error {
	return c.invoke(ctx, "product-finalize", map[string]any{
		"id": id, "qa_status": qaStatus, "validation_status": validationStatus,
	}, nil)
}

func (c *Client) Convert(ctx context.Context, startMJD, endMJD float64) ([]string, error) {
	var resp struct {
		Paths []string `json:"paths"`
	}
	err := c.invoke(ctx, "convert", map[string]any{
		"start_mjd": startMJD, "end_mjd": endMJD,
	}, &resp)
	return resp.Paths, err
}
