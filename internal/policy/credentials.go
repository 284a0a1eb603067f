package policy

// NewIdentitySet denies shell identity keys and signing keyrings.
func NewIdentitySet() DenySet {
	return &staticSet{
		id:   "identity",
		name: "Identity keys",
		patterns: []string{
			"~/.ssh",
			"~/.gnupg",
		},
	}
}

// NewCredentialSet denies cloud, cluster and package-registry credential stores.
func NewCredentialSet() DenySet {
	return &staticSet{
		id:   "credentials",
		name: "Credential stores",
		patterns: []string{
			"~/.aws",
			"~/.kube",
			"~/.azure",
			"~/.config/gcloud",
			"~/.config/gh",
			"~/.docker/config.json",
			"~/.netrc",
			"~/.git-credentials",
			"~/.npmrc",
			"~/.pypirc",
		},
	}
}
