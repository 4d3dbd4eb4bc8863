package model

import (
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strconv"
)

// Settings holds the account credentials and server configuration that
// job executors and listeners read. The password is kept separately in the
// credential store.
type Settings struct {
	// Addr is the account's email address.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// Username is the login name; defaults to Addr when empty.
	Username string `mapstructure:"username" yaml:"username"`

	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port" yaml:"imap_port"`
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port" yaml:"smtp_port"`

	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// InboxFolder is always watched for new mail.
	InboxFolder string `mapstructure:"inbox_folder" yaml:"inbox_folder"`

	// SentFolder and MvboxFolder are watched as well when set.
	SentFolder  string `mapstructure:"sent_folder" yaml:"sent_folder"`
	MvboxFolder string `mapstructure:"mvbox_folder" yaml:"mvbox_folder"`

	// ArchiveFolder is the default destination of move jobs.
	ArchiveFolder string `mapstructure:"archive_folder" yaml:"archive_folder"`
}

// Login returns the username used for IMAP and SMTP authentication.
func (s Settings) Login() string {
	if s.Username != "" {
		return s.Username
	}
	return s.Addr
}

// WatchedFolders returns the folders with an IMAP listener, inbox first.
// Empty and repeated names are skipped.
func (s Settings) WatchedFolders() []string {
	inbox := s.InboxFolder
	if inbox == "" {
		inbox = "INBOX"
	}
	folders := []string{inbox}
	for _, f := range []string{s.MvboxFolder, s.SentFolder} {
		if f != "" && !slices.Contains(folders, f) {
			folders = append(folders, f)
		}
	}
	return folders
}

// IMAPAddr returns host:port for the IMAP server.
func (s Settings) IMAPAddr() string {
	return s.IMAPHost + ":" + strconv.Itoa(s.IMAPPort)
}

// SMTPAddr returns host:port for the SMTP server.
func (s Settings) SMTPAddr() string {
	return s.SMTPHost + ":" + strconv.Itoa(s.SMTPPort)
}

// WithDefaults fills unset optional fields.
func (s Settings) WithDefaults() Settings {
	if s.IMAPPort == 0 {
		s.IMAPPort = 993
		if !s.TLS {
			s.IMAPPort = 143
		}
	}
	if s.SMTPPort == 0 {
		s.SMTPPort = 465
		if !s.TLS {
			s.SMTPPort = 587
		}
	}
	if s.InboxFolder == "" {
		s.InboxFolder = "INBOX"
	}
	if s.ArchiveFolder == "" {
		s.ArchiveFolder = "Archive"
	}
	return s
}

// Validate checks that the settings are complete enough to connect.
func (s Settings) Validate() error {
	var errs []error
	if _, err := mail.ParseAddress(s.Addr); err != nil {
		errs = append(errs, fmt.Errorf("invalid address %q: %w", s.Addr, err))
	}
	if s.IMAPHost == "" {
		errs = append(errs, errors.New("imap_host is required"))
	}
	if s.SMTPHost == "" {
		errs = append(errs, errors.New("smtp_host is required"))
	}
	if s.IMAPPort < 0 || s.IMAPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid imap_port %d", s.IMAPPort))
	}
	if s.SMTPPort < 0 || s.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid smtp_port %d", s.SMTPPort))
	}
	return errors.Join(errs...)
}

// Config-table keys a Settings value is stored under.
const (
	keyAddr          = "addr"
	keyUsername      = "username"
	keyIMAPHost      = "imap_host"
	keyIMAPPort      = "imap_port"
	keySMTPHost      = "smtp_host"
	keySMTPPort      = "smtp_port"
	keyTLS           = "tls"
	keyInboxFolder   = "inbox_folder"
	keySentFolder    = "sent_folder"
	keyMvboxFolder   = "mvbox_folder"
	keyArchiveFolder = "archive_folder"
)

// ToMap flattens the settings for key/value persistence.
func (s Settings) ToMap() map[string]string {
	return map[string]string{
		keyAddr:          s.Addr,
		keyUsername:      s.Username,
		keyIMAPHost:      s.IMAPHost,
		keyIMAPPort:      strconv.Itoa(s.IMAPPort),
		keySMTPHost:      s.SMTPHost,
		keySMTPPort:      strconv.Itoa(s.SMTPPort),
		keyTLS:           strconv.FormatBool(s.TLS),
		keyInboxFolder:   s.InboxFolder,
		keySentFolder:    s.SentFolder,
		keyMvboxFolder:   s.MvboxFolder,
		keyArchiveFolder: s.ArchiveFolder,
	}
}

// SettingsFromMap is the inverse of ToMap. Unparseable numbers are left zero.
func SettingsFromMap(m map[string]string) Settings {
	imapPort, _ := strconv.Atoi(m[keyIMAPPort])
	smtpPort, _ := strconv.Atoi(m[keySMTPPort])
	useTLS, _ := strconv.ParseBool(m[keyTLS])
	return Settings{
		Addr:          m[keyAddr],
		Username:      m[keyUsername],
		IMAPHost:      m[keyIMAPHost],
		IMAPPort:      imapPort,
		SMTPHost:      m[keySMTPHost],
		SMTPPort:      smtpPort,
		TLS:           useTLS,
		InboxFolder:   m[keyInboxFolder],
		SentFolder:    m[keySentFolder],
		MvboxFolder:   m[keyMvboxFolder],
		ArchiveFolder: m[keyArchiveFolder],
	}
}

// SettingsKeys returns the keys used by ToMap.
func SettingsKeys() []string {
	return []string{
		keyAddr, keyUsername, keyIMAPHost, keyIMAPPort, keySMTPHost,
		keySMTPPort, keyTLS, keyInboxFolder, keySentFolder, keyMvboxFolder,
		keyArchiveFolder,
	}
}
