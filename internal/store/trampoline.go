package store

import (
	"bytes"
	"os"
	"path/filepath"
)

// trampolineName is the fixed filename of the hook trampoline under the
// state directory's hooks/ subdirectory (spec.md §6 persisted-state layout).
const trampolineName = "post-reporting-event.mjs"

// hookTrampoline is the script external agent runtimes invoke after each
// reporting event. It forwards the event JSON (stdin or first argument) to
// the local control plane's hook ingress, reading the endpoint and shared
// secret from the environment the spawner sets for every child.
const hookTrampoline = `#!/usr/bin/env node
// Forwards one runtime reporting event to the local OrgX control plane.
// Installed by orgx-controld; edits are overwritten on the next launch.

const endpoint = process.env.ORGX_HOOK_ENDPOINT || "http://127.0.0.1:4173/orgx/api/hooks/runtime";
const token = process.env.ORGX_HOOK_TOKEN || "";

async function readStdin() {
  const chunks = [];
  for await (const chunk of process.stdin) chunks.push(chunk);
  return Buffer.concat(chunks).toString("utf8");
}

async function main() {
  let raw = process.argv[2];
  if (!raw || raw === "-") raw = await readStdin();
  let payload;
  try {
    payload = JSON.parse(raw);
  } catch {
    process.exit(0); // malformed events are dropped, never fatal
  }
  try {
    await fetch(endpoint, {
      method: "POST",
      headers: {
        "Content-Type": "application/json",
        "X-OrgX-Hook-Token": token,
      },
      body: JSON.stringify(payload),
      signal: AbortSignal.timeout(2000),
    });
  } catch {
    // best effort: the control plane may be down; the runtime must not block
  }
}

main();
`

// EnsureHookTrampoline writes the hook trampoline under
// stateDir/hooks/post-reporting-event.mjs if it is missing or its content
// drifted from the embedded copy, and returns the script's path. The write
// is atomic so a runtime invoking the trampoline mid-copy never executes a
// truncated script.
func EnsureHookTrampoline(stateDir string) (string, error) {
	dir := filepath.Join(stateDir, "hooks")
	path := filepath.Join(dir, trampolineName)

	want := []byte(hookTrampoline)
	if have, err := os.ReadFile(path); err == nil && bytes.Equal(have, want) {
		return path, nil
	}

	if err := ensureDir(dir); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, trampolineName+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(want); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", err
	}
	return path, nil
}
