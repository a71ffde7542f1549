package sessions

import "strings"

// maxTrackedArtifacts caps the package and file lists carried per session.
const maxTrackedArtifacts = 50

// segmentSplitter breaks a compound shell command at operators so each
// simple command is parsed on its own. "||" must precede "|".
var segmentSplitter = strings.NewReplacer("&&", "\n", "||", "\n", ";", "\n", "|", "\n")

// parseInstalledPackages extracts package names from pip, npm and apt
// install commands. Version pins and extras are stripped so the recreation
// notice reads cleanly.
func parseInstalledPackages(command string) []string {
	var pkgs []string
	for _, segment := range strings.Split(segmentSplitter.Replace(command), "\n") {
		fields := strings.Fields(segment)
		idx := installIndex(fields)
		if idx < 0 {
			continue
		}
		for _, tok := range fields[idx+1:] {
			if strings.HasPrefix(tok, "-") {
				continue
			}
			if name := stripVersion(tok); name != "" {
				pkgs = append(pkgs, name)
			}
		}
	}
	return pkgs
}

// installIndex returns the index of the "install" verb when the segment
// invokes a recognised package manager, or -1.
func installIndex(fields []string) int {
	manager := -1
	for i, tok := range fields {
		switch tok {
		case "pip", "pip3", "npm", "apt", "apt-get":
			manager = i
		case "install":
			if manager >= 0 {
				return i
			}
		}
	}
	return -1
}

// stripVersion removes the version suffix from a package token: pip pins
// (==, >=, <=, ~=, !=) and extras ([...]), npm @version (keeping the scope
// in @scope/name), apt name=version.
func stripVersion(tok string) string {
	for _, sep := range []string{"==", ">=", "<=", "~=", "!="} {
		if i := strings.Index(tok, sep); i >= 0 {
			tok = tok[:i]
			break
		}
	}
	if i := strings.LastIndex(tok, "@"); i > 0 {
		tok = tok[:i]
	}
	if i := strings.Index(tok, "="); i >= 0 {
		tok = tok[:i]
	}
	if i := strings.Index(tok, "["); i >= 0 {
		tok = tok[:i]
	}
	return tok
}

// parseCreatedFiles extracts file and directory names created via shell
// redirection, touch and mkdir. Best effort; quoting and fd redirects like
// 2>&1 are not modelled.
func parseCreatedFiles(command string) []string {
	var files []string
	for _, segment := range strings.Split(segmentSplitter.Replace(command), "\n") {
		fields := strings.Fields(segment)
		for i := 0; i < len(fields); i++ {
			tok := fields[i]
			switch {
			case tok == ">" || tok == ">>":
				if i+1 < len(fields) {
					files = append(files, fields[i+1])
					i++
				}
			case tok == "touch" || tok == "mkdir":
				for _, arg := range fields[i+1:] {
					if !strings.HasPrefix(arg, "-") {
						files = append(files, arg)
					}
				}
				i = len(fields)
			case strings.Contains(tok, ">"):
				rest := tok[strings.LastIndex(tok, ">")+1:]
				if rest != "" && !strings.HasPrefix(rest, "&") {
					files = append(files, rest)
				}
			}
		}
	}
	return files
}

// appendUnique merges extra into existing, skipping duplicates and stopping
// at limit entries.
func appendUnique(existing, extra []string, limit int) []string {
	if len(extra) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range extra {
		if len(existing) >= limit {
			break
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		existing = append(existing, v)
	}
	return existing
}
