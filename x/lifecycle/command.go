package lifecycle

import (
	"path/filepath"
	"strings"
)

// eventRangeChannelPlaceholder is the sentinel the payload replaces with
// the actual yampl channel name at rank startup.
const eventRangeChannelPlaceholder = "PILOT_EVENTRANGECHANNEL_CHANGE_ME"

const preExecChannelSnippet = `'from AthenaMP.AthenaMPFlags import jobproperties as jps;jps.AthenaMPFlags.EventRangeChannel="` +
	eventRangeChannelPlaceholder + `"'`

// usesTokenExtractor detects the token-extractor request in a run command.
// The UseTokenExtractor flag may be split across whitespace, so spaces are
// collapsed before matching.
func usesTokenExtractor(cmd string) bool {
	collapsed := strings.ReplaceAll(strings.ReplaceAll(cmd, "  ", ""), " ", "")
	return strings.Contains(cmd, "TokenScatterer") || strings.Contains(collapsed, "UseTokenExtractor=True")
}

// injectEventRangeChannel makes sure the payload learns the event-range
// channel name through its --preExec, inserting one or extending the
// existing one.
func injectEventRangeChannel(cmd string) string {
	if !strings.Contains(cmd, "--preExec") {
		return cmd + " --preExec " + preExecChannelSnippet + " "
	}
	if strings.Contains(cmd, "import jobproperties as jps;") {
		return strings.Replace(cmd,
			"import jobproperties as jps;",
			`import jobproperties as jps;jps.AthenaMPFlags.EventRangeChannel="`+eventRangeChannelPlaceholder+`";`,
			1)
	}
	return strings.Replace(cmd, "--preExec ", "--preExec "+preExecChannelSnippet+" ", 1)
}

// prependEnvironment adds the compact-release and channel exports in front
// of the payload command.
func prependEnvironment(cmd string) string {
	cmd = "export PILOT_EVENTRANGECHANNEL=" + eventRangeChannelPlaceholder + "; " + cmd
	return "export USING_COMPACT=1; " + cmd
}

// rewriteInputArgs replaces the value of every --input*=... argument with
// the comma-joined absolute paths of the job's inputs. Used when inputs are
// not copy-staged to the rank-local scratch.
func rewriteInputArgs(cmd, workDir string, lfns []string) string {
	if len(lfns) == 0 {
		return cmd
	}
	paths := make([]string, 0, len(lfns))
	for _, lfn := range lfns {
		paths = append(paths, filepath.Join(workDir, lfn))
	}
	joined := strings.Join(paths, ",")

	parts := strings.Split(cmd, " ")
	for i, part := range parts {
		if !strings.HasPrefix(part, "--input") {
			continue
		}
		arg, _, hasValue := strings.Cut(part, "=")
		if !hasValue {
			continue
		}
		parts[i] = arg + "=" + joined
	}
	return strings.Join(parts, " ")
}

// stripHPCInapplicable removes flags that make no sense inside the
// allocation: DBRelease specifiers and Frontier includes.
func stripHPCInapplicable(cmd string) string {
	words := strings.Split(cmd, " ")
	kept := words[:0]
	for _, word := range words {
		if strings.HasPrefix(word, "--DBRelease=") {
			continue
		}
		kept = append(kept, word)
	}
	cmd = strings.Join(kept, " ")

	cmd = strings.ReplaceAll(cmd, "RecJobTransforms/UseFrontier.py,", "")
	cmd = strings.ReplaceAll(cmd, ",RecJobTransforms/UseFrontier.py", "")
	cmd = strings.ReplaceAll(cmd, " --postInclude=RecJobTransforms/UseFrontier.py ", " ")
	cmd = strings.ReplaceAll(cmd, `--postInclude "default:RecJobTransforms/UseFrontier.py"`, " ")
	cmd = strings.ReplaceAll(cmd, `--postInclude "default:PyJobTransforms/UseFrontier.py"`, " ")
	return cmd
}

// finishPayloadCommand appends the output redirections and collapses double
// separators left behind by the rewrites.
func finishPayloadCommand(cmd string) string {
	cmd += " 1>athenaMP_stdout.txt 2>athenaMP_stderr.txt"
	return strings.ReplaceAll(cmd, ";;", ";")
}

// buildTokenExtractorCommand assembles the token-extractor invocation from
// the setup snippet and the file list path.
func buildTokenExtractorCommand(setup, fileListPath string) string {
	cmd := setup + " TokenExtractor -v  --source " + fileListPath +
		" 1>tokenExtract_stdout.txt 2>tokenExtract_stderr.txt"
	cmd = strings.ReplaceAll(cmd, ";;", ";")
	return strings.ReplaceAll(cmd, "; ;", ";")
}

// extractSourceSetup pulls the leading "source ...;" fragment out of a run
// command, the part the token extractor needs to run under the same
// release.
func extractSourceSetup(cmd string) string {
	idx := strings.Index(cmd, "source ")
	if idx < 0 {
		return ""
	}
	rest := cmd[idx:]
	end := strings.Index(rest, ";")
	if end < 0 {
		return ""
	}
	return rest[:end+1]
}
