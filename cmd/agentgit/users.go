package main

import (
	"fmt"

	"github.com/agentgit/agentgit/auth"
)

// UsersCmd groups the account-management subcommands.
type UsersCmd struct {
	List          UsersListCmd     `cmd:"" help:"List all accounts."`
	Delete        UsersDeleteCmd   `cmd:"" help:"Delete an account (admin only)."`
	Genkey        UsersGenkeyCmd   `cmd:"" help:"Generate an API key for an account."`
	Revoke        UsersRevokeCmd   `cmd:"" help:"Revoke an account's API key."`
	ResetPassword ResetPasswordCmd `cmd:"" name:"reset-password" help:"Change an account's password."`
	ResetAdmin    ResetAdminCmd    `cmd:"" name:"reset-admin" help:"Reset the root admin password."`
}

// loginAs prompts for a password and authenticates the named user.
func loginAs(svc *services, username string) (*auth.User, error) {
	password, err := promptPassword(fmt.Sprintf("Password for %s: ", username))
	if err != nil {
		return nil, err
	}
	ok, user, msg := svc.auth.Login(username, password)
	if !ok {
		return nil, fmt.Errorf("%s", msg)
	}
	return user, nil
}

// UsersListCmd lists all accounts.
type UsersListCmd struct{}

func (c *UsersListCmd) Run(cli *CLI) error {
	svc, err := openServices(cli)
	if err != nil {
		return err
	}
	defer svc.Close()

	users, err := svc.auth.ListUsers()
	if err != nil {
		return err
	}

	fmt.Printf("%-6s %-20s %-6s %-8s %s\n", "ID", "USERNAME", "ADMIN", "SESSIONS", "LAST LOGIN")
	for _, u := range users {
		admin := ""
		if u.IsAdmin {
			admin = "yes"
		}
		lastLogin := "never"
		if u.LastLogin != nil {
			lastLogin = u.LastLogin.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-6d %-20s %-6s %-8d %s\n", u.ID, u.Username, admin, len(u.ActiveSessions), lastLogin)
	}
	return nil
}

// UsersDeleteCmd deletes an account. The caller authenticates as an admin.
type UsersDeleteCmd struct {
	Username string `arg:"" help:"Account to delete."`
	Admin    string `help:"Admin account to authenticate as." default:"rootusr"`
}

func (c *UsersDeleteCmd) Run(cli *CLI) error {
	svc, err := openServices(cli)
	if err != nil {
		return err
	}
	defer svc.Close()

	admin, err := loginAs(svc, c.Admin)
	if err != nil {
		return err
	}

	ok, msg := svc.auth.DeleteUser(admin.ID, c.Username)
	fmt.Println(msg)
	if !ok {
		return fmt.Errorf("delete failed")
	}
	return nil
}

// UsersGenkeyCmd generates a fresh API key for an account. The key is
// printed once and never shown again.
type UsersGenkeyCmd struct {
	Username string `arg:"" help:"Account to generate a key for."`
}

func (c *UsersGenkeyCmd) Run(cli *CLI) error {
	svc, err := openServices(cli)
	if err != nil {
		return err
	}
	defer svc.Close()

	user, err := loginAs(svc, c.Username)
	if err != nil {
		return err
	}

	ok, apiKey, msg := svc.auth.GenerateAPIKey(user.ID)
	fmt.Println(msg)
	if !ok {
		return fmt.Errorf("key generation failed")
	}
	fmt.Printf("API key: %s\n", apiKey)
	return nil
}

// UsersRevokeCmd clears an account's API key.
type UsersRevokeCmd struct {
	Username string `arg:"" help:"Account to revoke the key for."`
}

func (c *UsersRevokeCmd) Run(cli *CLI) error {
	svc, err := openServices(cli)
	if err != nil {
		return err
	}
	defer svc.Close()

	user, err := loginAs(svc, c.Username)
	if err != nil {
		return err
	}

	ok, msg := svc.auth.RevokeAPIKey(user.ID)
	fmt.Println(msg)
	if !ok {
		return fmt.Errorf("revoke failed")
	}
	return nil
}

// ResetPasswordCmd changes an account's password after verifying the
// current one.
type ResetPasswordCmd struct {
	Username string `arg:"" help:"Account to change the password for."`
}

func (c *ResetPasswordCmd) Run(cli *CLI) error {
	svc, err := openServices(cli)
	if err != nil {
		return err
	}
	defer svc.Close()

	current, err := promptPassword("Current password: ")
	if err != nil {
		return err
	}
	ok, user, msg := svc.auth.Login(c.Username, current)
	if !ok {
		return fmt.Errorf("%s", msg)
	}

	next, err := promptPassword("New password: ")
	if err != nil {
		return err
	}

	ok, msg = svc.auth.ChangePassword(user.ID, current, next)
	fmt.Println(msg)
	if !ok {
		return fmt.Errorf("password change failed")
	}
	return nil
}

// ResetAdminCmd resets the root admin password.
type ResetAdminCmd struct{}

func (c *ResetAdminCmd) Run(cli *CLI) error {
	svc, err := openServices(cli)
	if err != nil {
		return err
	}
	defer svc.Close()

	current, err := promptPassword("Current admin password: ")
	if err != nil {
		return err
	}
	next, err := promptPassword("New admin password: ")
	if err != nil {
		return err
	}

	ok, msg := svc.auth.ResetAdminPassword(current, next)
	fmt.Println(msg)
	if !ok {
		return fmt.Errorf("reset failed")
	}
	return nil
}
