package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/payload"
	"github.com/hpcwms/espilot/x/piloterr"
)

// Prepare turns a staged-in job into the HPCJob record the payload
// back-end consumes: catalogs, optional TAG files and token-extractor
// command, and the rewritten AthenaMP command.
func (l *Lifecycle) Prepare(ctx context.Context, job *jobbook.Job) (*payload.HPCJob, error) {
	cmds, ok := l.runCommands[job.ID]
	if !ok || len(cmds) == 0 {
		return nil, piloterr.New(piloterr.KindPrepareFailed, "no run command list").WithJob(job.ID)
	}
	runCmd := cmds[0]

	// Input bookkeeping: global paths for the catalogs, placeholder
	// paths for the per-rank temp catalog.
	inputGlobal := make([]string, 0, len(job.InFiles))
	globalByGUID := make(map[string]string, len(job.InFiles))
	tempByGUID := make(map[string]string, len(job.InFiles))
	tagFiles := make(map[string]string)
	eventFiles := make(map[string]string)

	for _, file := range job.InFiles {
		global := filepath.Join(job.WorkDir, file.LFN)
		inputGlobal = append(inputGlobal, global)
		globalByGUID[file.GUID] = global
		tempByGUID[file.GUID] = filepath.Join(workDirPlaceholder, file.LFN)

		switch {
		case strings.Contains(file.LFN, ".TAG."):
			tagFiles[file.GUID] = global
		case strings.Contains(file.LFN, "DBRelease"):
			// DBRelease tarballs never feed the token extractor.
		default:
			eventFiles[file.GUID] = global
		}
	}

	usingTokens := usesTokenExtractor(runCmd)
	setup := extractSourceSetup(runCmd)

	// TAG files, one per event file, reusing allocation-wide copies.
	eventTags := make(map[string]tagEntry)
	if usingTokens {
		for guid, eventFile := range eventFiles {
			entry, err := l.ensureTagFile(ctx, job, guid, eventFile, setup, tagFiles)
			if err != nil {
				return nil, err
			}
			eventTags[guid] = entry
		}
	}

	// Pool file catalogs.
	pfcPath := filepath.Join(job.WorkDir, poolFileCatalogName)
	if err := WritePoolFileCatalog(globalByGUID, pfcPath); err != nil {
		return nil, piloterr.New(piloterr.KindPrepareFailed, "write pool file catalog").WithJob(job.ID).WithCause(err)
	}
	if err := WritePoolFileCatalog(tempByGUID, filepath.Join(job.WorkDir, poolFileCatalogTempName)); err != nil {
		return nil, piloterr.New(piloterr.KindPrepareFailed, "write temp pool file catalog").WithJob(job.ID).WithCause(err)
	}

	// AthenaMP command rewriting.
	cmd := injectEventRangeChannel(runCmd)
	cmd = prependEnvironment(cmd)
	if !l.cfg.CopyInputFiles {
		cmd = rewriteInputArgs(cmd, job.WorkDir, job.InputLFNs())
	}
	cmd = stripHPCInapplicable(cmd)
	cmd = finishPayloadCommand(cmd)

	hpcJob := &payload.HPCJob{
		AthenaMPCmd:      cmd,
		PoolFileCatalog:  pfcPath,
		InputFiles:       inputGlobal,
		GlobalWorkingDir: job.WorkDir,
		StageoutThreads:  l.cfg.StageoutThreads,
	}

	// Token extractor file list and command. The list maps the *event*
	// GUID to the TAG PFN.
	if usingTokens {
		listPath := filepath.Join(job.WorkDir, tokenExtractorListName)
		var sb strings.Builder
		for guid, entry := range eventTags {
			sb.WriteString(guid + ",PFN:" + entry.Name + "\n")
		}
		if err := os.WriteFile(listPath, []byte(sb.String()), 0o644); err != nil {
			return nil, piloterr.New(piloterr.KindPrepareFailed, "write token extractor file list").WithJob(job.ID).WithCause(err)
		}
		hpcJob.TokenExtractCmd = buildTokenExtractorCommand(setup, listPath)
	}

	// Zip-mode artifact names live in the pilot working dir so they
	// survive job workdir cleanup until uploaded.
	if l.res.ZipMode() {
		hpcJob.ZipFileName = filepath.Join(l.cfg.PilotWorkDir, "EventService_premerge_"+job.ID+".tar")
		hpcJob.ZipEventRangesName = filepath.Join(l.cfg.PilotWorkDir, "EventService_premerge_eventranges_"+job.ID+".txt")
		if err := l.book.UpdateJob(job.ID, func(j *jobbook.Job) {
			j.ZipFileName = hpcJob.ZipFileName
			j.ZipEventRangesName = hpcJob.ZipEventRangesName
		}); err != nil {
			return nil, err
		}
	}

	l.logger.Info().Str("job_id", job.ID).Bool("token_extractor", usingTokens).Msg("payload command prepared")
	return hpcJob, nil
}

// ensureTagFile returns the TAG for one event file, copying an allocation
// cached one when available and creating it otherwise.
func (l *Lifecycle) ensureTagFile(ctx context.Context, job *jobbook.Job, guid, eventFile, setup string,
	stagedTags map[string]string) (tagEntry, error) {

	if cached, ok := l.availTags[guid]; ok {
		dest := filepath.Join(job.WorkDir, cached.Name)
		if err := copyLocal(cached.Path, dest); err == nil {
			return cached, nil
		}
		l.logger.Warn().Str("guid", guid).Msg("cached TAG copy failed, recreating")
	}

	name, tagGUID, err := l.createTag(ctx, job.WorkDir, setup, eventFile)
	if err == nil && name != "" {
		entry := tagEntry{Name: name, Path: filepath.Join(job.WorkDir, name), GUID: tagGUID}
		l.availTags[guid] = entry
		return entry, nil
	}

	// Fall back to a TAG file staged in with the job, if any.
	for _, tagPath := range stagedTags {
		return tagEntry{Name: filepath.Base(tagPath), Path: tagPath}, nil
	}
	return tagEntry{}, piloterr.New(piloterr.KindPrepareFailed, "create TAG file for "+filepath.Base(eventFile)).
		WithJob(job.ID).WithCause(err)
}

// createTagFile runs the event-collection transform to build a TAG file
// next to the event file.
func (l *Lifecycle) createTagFile(ctx context.Context, workDir, setup, eventFile string) (string, string, error) {
	tagName := strings.TrimSuffix(filepath.Base(eventFile), ".pool.root") + ".TAG.pool.root"
	script := fmt.Sprintf("%s MakeRunEventCollection.py %q %q", setup, eventFile, filepath.Join(workDir, tagName))
	script = strings.ReplaceAll(script, ";;", ";")

	if err := runShell(ctx, workDir, script); err != nil {
		return "", "", err
	}
	return tagName, uuid.NewString(), nil
}

// runShell executes the transform; swapped out by tests.
var runShell = runShellCommand
