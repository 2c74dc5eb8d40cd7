package dispatch

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mkrasner/peel"
)

// escalate re-executes the current process under sudo, forwarding the
// original arguments and marking the child with EscalationEnvVar so it
// refuses to loop. It replaces the current process image via syscall.Exec
// on success and only returns on failure to even start that re-exec; this
// is a two-state machine (unescalated, escalated), never a capability API.
func escalate(log logrus.FieldLogger) error {
	if IsEscalated() {
		return peel.NewError(peel.KindAlreadyEscalated,
			"already re-executed once under sudo; refusing to escalate again")
	}

	sudoPath, err := exec.LookPath("sudo")
	if err != nil {
		return peel.WrapError(peel.KindPermissionDenied, err, "sudo not found; rerun as root or pass --no-sudo")
	}

	self, err := os.Executable()
	if err != nil {
		return peel.WrapError(peel.KindPermissionDenied, err, "resolving own executable path for escalation")
	}

	log.Info("re-executing under sudo to read overlay2 storage")

	argv := append([]string{sudoPath, self}, os.Args[1:]...)
	env := append(os.Environ(), EscalationEnvVar+"=1")

	if err := syscall.Exec(sudoPath, argv, env); err != nil {
		return peel.WrapError(peel.KindChildFailed, err, "re-executing self under sudo")
	}
	return nil // unreachable: syscall.Exec only returns on error
}
