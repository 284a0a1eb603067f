package policy

// NewShellSet denies shell configuration and history files.
// Shell rc files are writable persistence points; histories leak typed secrets.
func NewShellSet() DenySet {
	return &staticSet{
		id:   "shell",
		name: "Shell configuration and history",
		patterns: []string{
			"~/.bashrc",
			"~/.bash_profile",
			"~/.bash_history",
			"~/.profile",
			"~/.zshrc",
			"~/.zprofile",
			"~/.zsh_history",
		},
	}
}

// NewSystemAuthSet denies the system authentication databases.
func NewSystemAuthSet() DenySet {
	return &staticSet{
		id:   "system",
		name: "System authentication databases",
		patterns: []string{
			"/etc/shadow",
			"/etc/gshadow",
			"/etc/master.passwd",
			"/etc/sudoers",
			"/etc/sudoers.d",
		},
	}
}
