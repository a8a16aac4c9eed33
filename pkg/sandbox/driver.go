package sandbox

// payloadMarker brackets the JSON result on the driver's stdout so it can be
// separated from anything the code under evaluation prints.
const payloadMarker = "---QUERYBENCH---"

// pythonDriver is the in-container harness. It compiles the submitted code,
// installs an import guard, runs the code with a read-only sqlite connection
// in scope, and emits a marker-delimited JSON payload. It always exits 0;
// failures are carried in the payload. A non-zero exit therefore means the
// interpreter itself died.
const pythonDriver = `import builtins
import json
import os
import sqlite3
import sys

MARKER = "---QUERYBENCH---"
MAX_ROWS = int(os.environ.get("QB_MAX_ROWS", "2000"))


class SecurityError(Exception):
    pass


def emit(ok, kind=None, error=None, columns=None, rows=None):
    sys.stdout.flush()
    print(MARKER)
    print(json.dumps({
        "ok": ok,
        "kind": kind,
        "error": error,
        "columns": columns or [],
        "rows": rows or [],
    }))
    print(MARKER)
    sys.stdout.flush()
    raise SystemExit(0)


BLOCKED_MODULES = {
    "os", "sys", "subprocess", "socket", "shutil", "pathlib", "ctypes",
    "multiprocessing", "threading", "http", "urllib", "ftplib", "smtplib",
    "telnetlib", "importlib", "signal", "resource", "pty", "fcntl",
    "webbrowser", "xmlrpc",
}

_real_import = builtins.__import__


def _guarded_import(name, *args, **kwargs):
    if name.split(".")[0] in BLOCKED_MODULES:
        raise SecurityError("import of %s is not permitted" % name)
    return _real_import(name, *args, **kwargs)


def _blocked_open(*args, **kwargs):
    raise SecurityError("file access is not permitted")


with open("/sandbox/code.py") as f:
    source = f.read()

try:
    compiled = compile(source, "code.py", "exec")
except SyntaxError as exc:
    emit(False, kind="syntax_error", error=str(exc))

conn = sqlite3.connect("file:/data/context.db?mode=ro&immutable=1", uri=True)

_run = exec

builtins.__import__ = _guarded_import
builtins.open = _blocked_open
builtins.exec = _blocked_open
builtins.eval = _blocked_open

ns = {"conn": conn}

try:
    _run(compiled, ns, ns)
except SecurityError as exc:
    emit(False, kind="security_violation", error=str(exc))
except ImportError as exc:
    emit(False, kind="security_violation", error=str(exc))
except SystemExit:
    raise
except Exception as exc:
    emit(False, kind="runtime_error", error="%s: %s" % (type(exc).__name__, exc))

out = ns.get("rows", ns.get("result"))
columns = ns.get("columns")

if hasattr(out, "fetchall"):
    if out.description:
        columns = [d[0] for d in out.description]
    out = out.fetchall()

if out is None:
    emit(False, kind="runtime_error",
         error="code must assign its output to rows or result")

if not isinstance(out, (list, tuple)):
    out = [(out,)]

normalized = []
for row in out:
    if not isinstance(row, (list, tuple)):
        row = (row,)
    normalized.append(["NULL" if v is None else str(v) for v in row])
    if len(normalized) > MAX_ROWS:
        emit(False, kind="memory_exceeded",
             error="result set exceeds %d rows" % MAX_ROWS)

emit(True, columns=[str(c) for c in (columns or [])], rows=normalized)
`
