package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Verdict is the structured result of a validation pass. Validators
// never return errors — a command is either allowed or rejected with a
// reason naming the offending fragment.
type Verdict struct {
	Allowed  bool
	Fragment string // the command fragment that caused rejection
	Reason   string // human-readable explanation
}

func allow() Verdict {
	return Verdict{Allowed: true}
}

func reject(fragment, format string, args ...any) Verdict {
	return Verdict{Fragment: fragment, Reason: fmt.Sprintf(format, args...)}
}

// readOnlyCommands are accepted in read-only mode with any arguments.
// File inspection, text processing and system information only — nothing
// here can modify state (shell redirection is rejected separately).
var readOnlyCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "less": true,
	"file": true, "stat": true, "wc": true, "du": true, "df": true,
	"find": true, "grep": true, "egrep": true, "fgrep": true, "tree": true,
	"which": true, "whereis": true, "readlink": true, "realpath": true,
	"basename": true, "dirname": true, "pwd": true, "echo": true,
	"printf": true, "date": true, "cal": true, "uptime": true,
	"uname": true, "hostname": true, "whoami": true, "id": true,
	"groups": true, "printenv": true, "ps": true,
	"free": true, "sort": true, "uniq": true, "cut": true, "tr": true,
	"diff": true, "cmp": true, "strings": true, "md5sum": true,
	"sha1sum": true, "sha256sum": true, "true": true,
}

// findForbiddenArgs are find arguments that execute commands or delete
// files; find itself is read-only without them. xargs and env are kept
// off the allow-list entirely for the same reason: their job is to run
// another command.
var findForbiddenArgs = map[string]bool{
	"-exec": true, "-execdir": true, "-ok": true, "-okdir": true,
	"-delete": true,
}

// readOnlySubcommands maps commands that are only safe for particular
// subcommands. A command listed here with no parseable subcommand is
// rejected.
var readOnlySubcommands = map[string]map[string]bool{
	"git": {
		"status": true, "log": true, "diff": true, "show": true,
		"branch": true, "remote": true, "tag": true, "blame": true,
		"describe": true, "shortlog": true, "ls-files": true,
	},
	"apk": {
		"info": true, "list": true, "search": true, "policy": true,
	},
	"npm": {
		"ls": true, "list": true, "view": true, "info": true,
		"search": true, "outdated": true,
	},
	"pip": {
		"list": true, "show": true, "freeze": true, "check": true,
	},
}

// destructiveCommands can delete, relocate or corrupt files. In
// system-path-protection mode they are only rejected when aimed at a
// protected path.
var destructiveCommands = map[string]bool{
	"rm": true, "rmdir": true, "mv": true, "dd": true, "shred": true,
	"truncate": true, "chmod": true, "chown": true, "chgrp": true,
	"fdisk": true, "wipefs": true, "mkswap": true, "ln": true,
}

// protectedPaths are the base-image locations a confined shell must not
// destroy. "/" only matches exactly (every other entry also matches
// nested paths). /usr/local is deliberately absent: users manage
// self-installed tools there freely.
var protectedPaths = []string{
	"/",
	"/bin", "/sbin",
	"/usr/bin", "/usr/sbin", "/usr/lib",
	"/lib",
	"/etc", "/dev", "/proc", "/sys",
	"/tmp", "/var",
}

// absolutePathPattern extracts absolute-path-looking arguments,
// including ones embedded after "=" (dd's of=/dev/sda).
var absolutePathPattern = regexp.MustCompile(`(?:^|[\s='"])(/[^\s'";|&]*)`)

// ValidateReadOnly accepts a command only if every pipeline member of
// every segment resolves to an allow-listed read-only command. Anything
// that could write — redirection, command substitution, background
// execution, an unlisted command — rejects the whole command line.
func ValidateReadOnly(command string) Verdict {
	command = strings.TrimSpace(command)
	if command == "" {
		return reject(command, "empty command")
	}

	// Command substitution is live inside double quotes, so these two
	// are rejected wherever they appear.
	if strings.Contains(command, "`") || strings.Contains(command, "$(") {
		return reject(command, "command substitution is not permitted in read-only mode")
	}
	for _, c := range []byte{'>', '<'} {
		if containsUnquoted(command, c) {
			return reject(command, "redirection operator %q is not permitted in read-only mode", string(c))
		}
	}
	if hasUnquotedSingleAmp(command) {
		return reject(command, "background execution is not permitted in read-only mode")
	}

	for _, segment := range splitSegments(command) {
		for _, piece := range splitPipeline(segment) {
			if v := checkReadOnlySegment(piece); !v.Allowed {
				return v
			}
		}
	}
	return allow()
}

func checkReadOnlySegment(piece string) Verdict {
	cmd, ok := parseSegment(piece)
	if !ok {
		return reject(piece, "segment %q has no command", piece)
	}

	if readOnlyCommands[cmd.Base] {
		if cmd.Base == "find" {
			for _, arg := range cmd.Args {
				if findForbiddenArgs[arg] {
					return reject(piece, "find argument %q executes or deletes and is not permitted in read-only mode", arg)
				}
			}
		}
		return allow()
	}

	if subs, restricted := readOnlySubcommands[cmd.Base]; restricted {
		if cmd.Subcommand == "" {
			return reject(piece, "%q requires a subcommand in read-only mode; allowed: %s",
				cmd.Base, sortedKeys(subs))
		}
		if subs[cmd.Subcommand] {
			return allow()
		}
		return reject(piece, "%s subcommand %q is not permitted in read-only mode; allowed: %s",
			cmd.Base, cmd.Subcommand, sortedKeys(subs))
	}

	return reject(piece, "command %q is not permitted in read-only mode; only read-only inspection commands are allowed",
		cmd.Base)
}

// ValidateSystemPaths rejects a command only when a known destructive
// command targets a protected system path. Everything else is allowed:
// this mode guards the base image against self-destruction, nothing
// more.
func ValidateSystemPaths(command string) Verdict {
	for _, segment := range splitSegments(command) {
		for _, piece := range splitPipeline(segment) {
			cmd, ok := parseSegment(piece)
			if !ok {
				continue
			}
			if !isDestructive(cmd.Base) {
				continue
			}
			for _, m := range absolutePathPattern.FindAllStringSubmatch(piece, -1) {
				if p := protectedPathMatch(m[1]); p != "" {
					return reject(piece, "%q targets protected system path %q (matched %q); system directories cannot be modified",
						cmd.Base, p, m[1])
				}
			}
		}
	}
	return allow()
}

func isDestructive(base string) bool {
	if destructiveCommands[base] {
		return true
	}
	// mkfs.ext4, mkfs.vfat, ...
	return strings.HasPrefix(base, "mkfs")
}

// protectedPathMatch returns the protected path that arg is equal to or
// nested under, or "" when none matches. Because matching nests via
// "<prefix>/", the "/" entry only ever matches the literal root.
func protectedPathMatch(arg string) string {
	arg = strings.TrimRight(arg, "/")
	if arg == "" {
		arg = "/"
	}
	for _, p := range protectedPaths {
		if arg == p || strings.HasPrefix(arg, p+"/") {
			return p
		}
	}
	return ""
}

func sortedKeys(m map[string]bool) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
