package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"inquirychat/pkg/interfaces"
	"inquirychat/pkg/types"
)

// AdminMobile is the account created by seed for administration
const AdminMobile = "19212345678"

type seedAccount struct {
	user *types.User
	// title is set for doctors; a directory entry is created alongside
	title string
}

func seedAccounts() []seedAccount {
	return []seedAccount{
		{user: &types.User{Mobile: AdminMobile, Name: "系统管理员", Role: types.RoleAdmin, Enabled: true}},
		{user: &types.User{Mobile: "13800000001", Name: "演示患者", Role: types.RolePatient, Enabled: true}},
		{user: &types.User{Mobile: "13800000002", Name: "演示医生", Role: types.RoleDoctor, Enabled: true}, title: "主任医师"},
		{user: &types.User{Mobile: "13800000003", Name: "值班医生", Role: types.RoleDoctor, Enabled: true}, title: "住院医师"},
	}
}

// seed creates the admin and demo accounts that do not exist yet. Running
// it again is a no-op.
func seed(ctx context.Context, store interfaces.DatabaseManager, out io.Writer) error {
	for _, account := range seedAccounts() {
		_, err := store.GetUserByMobile(ctx, account.user.Mobile)
		if err == nil {
			fmt.Fprintf(out, "exists   %s %s\n", account.user.Mobile, account.user.Role)
			continue
		}
		if !errors.Is(err, interfaces.ErrUserNotFound) {
			return fmt.Errorf("lookup %s: %w", account.user.Mobile, err)
		}

		if err := store.CreateUser(ctx, account.user); err != nil {
			return fmt.Errorf("create %s: %w", account.user.Mobile, err)
		}
		if account.user.Role == types.RoleDoctor {
			doctor := &types.Doctor{UserID: account.user.ID, Title: account.title, Available: true}
			if err := store.CreateDoctor(ctx, doctor); err != nil {
				return fmt.Errorf("create doctor entry for %s: %w", account.user.Mobile, err)
			}
			fmt.Fprintf(out, "created  %s %s doctor_id=%d\n", account.user.Mobile, account.user.Role, doctor.ID)
			continue
		}
		fmt.Fprintf(out, "created  %s %s\n", account.user.Mobile, account.user.Role)
	}
	return nil
}

// issueToken prints a bearer token for an enabled account
func issueToken(ctx context.Context, users interfaces.UserStore, issuer interfaces.TokenIssuer, mobile string, out io.Writer) error {
	user, err := users.GetUserByMobile(ctx, mobile)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", mobile, err)
	}
	if !user.Enabled {
		return fmt.Errorf("account %s is disabled", mobile)
	}

	token, expiresAt, err := issuer.IssueToken(user.Mobile)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "user:    %d (%s, %s)\n", user.ID, user.Name, user.Role)
	fmt.Fprintf(out, "expires: %s\n", expiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "token:   %s\n", token)
	return nil
}
