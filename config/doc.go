/*
Package config holds the configuration file definitions.

outq is configured with a single file, outq.conf. It is read at startup and
when outq receives a SIGHUP. On reload, only the routes, routing rules, facts
and log levels take effect. If the file contains an error after a change, the
reload is aborted and the previous routing stays active.

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details. The command "outq
config describe" prints an empty config file with comments for all fields.

# Example

Deliver directly to MX hosts, and through a relay from the second attempt
on. Mail for example.org goes to a local LMTP server.

	DataDir: data
	LogLevel: info
	PackageLogLevels:
		smtpdeliver: debug
	Hostname: mail.example.com
	Postmaster: postmaster@mail.example.com
	Routes:
		direct:
			Kind: mx
			Concurrency: 50
		fallback:
			Kind: relay
			Host: relay.example.com
			Port: 587
			TLS:
				Required: true
			Concurrency: 5
		local:
			Kind: relay
			Host: 127.0.0.1
			Protocol: lmtp
			TLS:
				Disable: true
	Routing:
		-
			If:
				ToDomain:
					- example.org
			Route: local
		-
			If:
				MinimumAttempts: 1
			Route: fallback
		-
			Route: direct
	Admin:
		Listen: 127.0.0.1:8025
		PasswordFile: adminpasswd
*/
package config
