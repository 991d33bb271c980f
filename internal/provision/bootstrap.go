package provision

import "strings"

// Environment variable names used to hand secrets to bootstrap steps
// without interpolating them into shell text.
const (
	envRootPassword  = "ROOT_PASSWORD"
	envAuthorizedKey = "AUTHORIZED_KEY"
)

// Step is one command of the bootstrap sequence.
type Step struct {
	// Name is a short stable identifier ("update", "install", ...).
	Name string

	// Script is run with "sh -c".
	Script string

	// Env is passed to the exec in addition to the base environment.
	Env []string
}

// Cmd returns the argv executed in the container.
func (s Step) Cmd() []string {
	return []string{"sh", "-c", s.Script}
}

// Plan returns the bootstrap sequence for a fresh container.
//
// The order is fixed: package refresh, sshd install, host keys, root
// password, then (with a key) the authorized_keys file, then the sshd
// policy drop-in, and finally the daemon start.  sshd reads its host keys,
// authorized_keys and configuration only at startup, so everything it
// depends on must exist before the last step.
func Plan(containerID, publicKey string) []Step {
	publicKey = strings.TrimSpace(publicKey)

	steps := []Step{
		{Name: "update", Script: "apt-get update"},
		{Name: "install", Script: "apt-get install -y openssh-server sudo"},
		{Name: "hostkeys", Script: "ssh-keygen -A"},
		{
			Name:   "password",
			Script: `echo "root:$` + envRootPassword + `" | chpasswd`,
			Env:    []string{envRootPassword + "=" + containerID},
		},
	}

	if publicKey != "" {
		steps = append(steps,
			Step{Name: "sshdir", Script: "mkdir -p /root/.ssh && chmod 700 /root/.ssh"},
			Step{
				Name:   "authorized_keys",
				Script: `printf '%s\n' "$` + envAuthorizedKey + `" > /root/.ssh/authorized_keys`,
				Env:    []string{envAuthorizedKey + "=" + publicKey},
			},
			Step{Name: "authorized_keys_mode", Script: "chmod 600 /root/.ssh/authorized_keys"},
		)
	}

	steps = append(steps,
		Step{Name: "sshd_config", Script: sshdPolicyScript(publicKey != "")},
		Step{Name: "start", Script: "mkdir -p /run/sshd && service ssh start"},
	)
	return steps
}

// sshdPolicyScript writes a drop-in that either allows root password
// login or restricts root to public keys.
func sshdPolicyScript(keyOnly bool) string {
	policy := `PermitRootLogin yes\nPasswordAuthentication yes\n`
	if keyOnly {
		policy = `PermitRootLogin prohibit-password\nPasswordAuthentication no\nKbdInteractiveAuthentication no\n`
	}
	return "mkdir -p /etc/ssh/sshd_config.d && printf '" + policy + "' > /etc/ssh/sshd_config.d/10-cloudshell.conf"
}
