/*
Command outq is an outbound mail queue: it delivers queued messages to the MX
hosts of recipient domains or through configured relays, selecting a route
per recipient for each attempt, retrying with backoff and sending delivery
status notifications (DSNs) for failures.

outq is configured with outq.conf, see package config for its format. Print
an annotated empty config with "outq config describe".

Messages are added and the queue is managed through the admin API of a
running outq, with the "outq queue" subcommands. Set $OUTQ_ADMIN_URL and
$OUTQ_ADMIN_PASSWORD, or an .env file in the working directory, to reach an
admin API that is not configured in the local config file.

# Commands

	outq [-config outq.conf] [-loglevel level] ...
	outq serve
	outq queue list [filterflags]
	outq queue add [-from address] recipient ... <message
	outq queue retry recipientid ...
	outq queue fail recipientid ...
	outq queue drop msgid ...
	outq dnsflush
	outq config test
	outq config describe >outq.conf
	outq setadminpassword
	outq version
	outq help [command ...]

Run "outq help command" for details of a command.
*/
package main
