package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/agentgit/agentgit/agent"
	"github.com/agentgit/agentgit/auth"
	"github.com/agentgit/agentgit/sessions"
)

// ChatCmd starts an interactive chat session against the rollback agent.
type ChatCmd struct {
	Username string `short:"u" help:"Username to log in as (prompted when empty)."`
	APIKey   string `name:"api-key" help:"Authenticate with an API key instead of a password."`
	Register bool   `help:"Register a new account before logging in."`
	Session  int64  `short:"s" help:"Outer session ID to resume (0 creates a new one)."`
	Name     string `help:"Name for a newly created session." default:"CLI session"`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	svc, err := openServices(cli)
	if err != nil {
		return err
	}
	defer svc.Close()

	user, err := c.authenticate(svc)
	if err != nil {
		return err
	}

	outer, err := c.resolveOuterSession(svc, user)
	if err != nil {
		return err
	}

	ag, err := svc.agents.ResumeAgent(outer.ID, 0, user)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	fmt.Printf("Session %d (%q). Type /help for commands, /quit to exit.\n", outer.ID, outer.SessionName)
	return c.repl(ctx, svc, user, outer.ID, ag)
}

// authenticate logs in with an API key, a password, or a fresh registration.
func (c *ChatCmd) authenticate(svc *services) (*auth.User, error) {
	if c.APIKey != "" {
		ok, user, msg := svc.auth.LoginWithAPIKey(c.APIKey)
		fmt.Println(msg)
		if !ok {
			return nil, fmt.Errorf("authentication failed")
		}
		return user, nil
	}

	username := c.Username
	if username == "" {
		var err error
		username, err = promptLine("Username: ")
		if err != nil {
			return nil, err
		}
	}

	if c.Register {
		password, err := promptPassword("Password: ")
		if err != nil {
			return nil, err
		}
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			return nil, err
		}
		ok, user, msg := svc.auth.Register(username, password, confirm)
		fmt.Println(msg)
		if !ok {
			return nil, fmt.Errorf("registration failed")
		}
		return user, nil
	}

	password, err := promptPassword("Password: ")
	if err != nil {
		return nil, err
	}
	ok, user, msg := svc.auth.Login(username, password)
	fmt.Println(msg)
	if !ok {
		return nil, fmt.Errorf("authentication failed")
	}
	return user, nil
}

// resolveOuterSession resumes the requested outer session or creates a new
// one registered against the user's session limit.
func (c *ChatCmd) resolveOuterSession(svc *services, user *auth.User) (*sessions.OuterSession, error) {
	if c.Session != 0 {
		outer, err := svc.store.GetOuterSession(c.Session)
		if err != nil {
			return nil, err
		}
		if outer == nil || outer.UserID != user.ID {
			return nil, fmt.Errorf("session %d not found", c.Session)
		}
		return outer, nil
	}

	outer, err := svc.store.CreateOuterSession(sessions.NewOuterSession(user.ID, c.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if ok, msg := svc.auth.AddUserSession(user.ID, outer.ID); !ok {
		return nil, fmt.Errorf("%s", msg)
	}
	return outer, nil
}

func (c *ChatCmd) repl(ctx context.Context, svc *services, user *auth.User, outerID int64, ag *agent.RollbackAgent) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			done, next, err := c.slashCommand(ctx, svc, user, outerID, ag, line)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if next != nil {
				ag = next
			}
			if done {
				return nil
			}
			continue
		}

		reply, err := ag.Run(ctx, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("agent> %s\n", reply)

		// The model can raise a rollback request through its checkpoint
		// tools; acting on it swaps the live agent onto the new branch.
		if checkpointID, ok := svc.agents.HandleAgentResponse(ag); ok {
			next, err := c.performRollback(ctx, svc, user, outerID, checkpointID)
			if err != nil {
				fmt.Printf("rollback failed: %v\n", err)
				continue
			}
			ag = next
		}
	}
}

// slashCommand dispatches a REPL command. It returns done=true to exit the
// loop and a non-nil agent when a rollback switched timelines.
func (c *ChatCmd) slashCommand(ctx context.Context, svc *services, user *auth.User, outerID int64, ag *agent.RollbackAgent, line string) (bool, *agent.RollbackAgent, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true, nil, nil

	case "/help":
		fmt.Print(`Commands:
  /checkpoint [name]   create a manual checkpoint
  /checkpoints         list checkpoints of the current timeline
  /rollback <id>       roll back to a checkpoint (branches the timeline)
  /branches            show the branch tree
  /sessions            list timelines of this session
  /lineage             show the ancestry of the current timeline
  /summary             show recent conversation history
  /quit                exit
`)
		return false, nil, nil

	case "/checkpoint":
		name := strings.Join(args, " ")
		cp, err := ag.CreateCheckpoint(name)
		if err != nil {
			return false, nil, err
		}
		fmt.Printf("Checkpoint %d (%q) created.\n", cp.ID, cp.CheckpointName)
		return false, nil, nil

	case "/checkpoints":
		return false, nil, c.printCheckpoints(svc, ag)

	case "/rollback":
		if len(args) != 1 {
			return false, nil, fmt.Errorf("usage: /rollback <checkpoint-id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return false, nil, fmt.Errorf("invalid checkpoint ID %q", args[0])
		}
		next, err := c.performRollback(ctx, svc, user, outerID, id)
		if err != nil {
			return false, nil, err
		}
		return false, next, nil

	case "/branches":
		roots, err := svc.agents.GetBranchTree(outerID)
		if err != nil {
			return false, nil, err
		}
		if len(roots) == 0 {
			fmt.Println("No timelines yet.")
			return false, nil, nil
		}
		for _, root := range roots {
			printBranchNode(root, 0)
		}
		return false, nil, nil

	case "/sessions":
		list, err := svc.agents.ListInnerSessions(outerID)
		if err != nil {
			return false, nil, err
		}
		for _, s := range list {
			marker := " "
			if s.IsCurrent {
				marker = "*"
			}
			kind := "root"
			if s.IsBranch() {
				kind = "branch"
			}
			fmt.Printf("%s %d  %s  %s  checkpoints=%d tools=%d\n",
				marker, s.ID, s.GraphSessionID, kind, s.CheckpointCount, s.ToolInvocationCount)
		}
		return false, nil, nil

	case "/lineage":
		session := ag.Session()
		if session == nil {
			return false, nil, fmt.Errorf("no active timeline")
		}
		lineage, err := svc.agents.SessionLineage(session.ID)
		if err != nil {
			return false, nil, err
		}
		for depth, s := range lineage {
			fmt.Printf("%s%s (id=%d)\n", strings.Repeat("  ", depth), s.GraphSessionID, s.ID)
		}
		return false, nil, nil

	case "/summary":
		fmt.Println(svc.agents.ConversationSummary(ag))
		return false, nil, nil

	default:
		return false, nil, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

func (c *ChatCmd) printCheckpoints(svc *services, ag *agent.RollbackAgent) error {
	session := ag.Session()
	if session == nil {
		return fmt.Errorf("no active timeline")
	}
	list, err := svc.agents.ListCheckpoints(session.ID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No checkpoints yet.")
		return nil
	}
	for _, cp := range list {
		kind := "manual"
		if cp.IsAuto {
			kind = "auto"
		}
		name := cp.CheckpointName
		if name == "" {
			name = "Unnamed"
		}
		fmt.Printf("  %d  %-8s %s  (%s)\n", cp.ID, kind, name, cp.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (c *ChatCmd) performRollback(ctx context.Context, svc *services, user *auth.User, outerID, checkpointID int64) (*agent.RollbackAgent, error) {
	rollbackTools := user.GetAgentConfig().EnableToolRollback
	next, err := svc.agents.RollbackToCheckpoint(ctx, outerID, checkpointID, user, rollbackTools)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Rolled back to checkpoint %d on new branch %s.\n", checkpointID, next.GraphSessionID())
	return next, nil
}

func printBranchNode(node *agent.BranchNode, depth int) {
	marker := " "
	if node.IsCurrent {
		marker = "*"
	}
	kind := "root"
	if node.IsBranch {
		kind = "branch"
	}
	fmt.Printf("%s%s %s (%s, checkpoints=%d, tools=%d)\n",
		strings.Repeat("  ", depth), marker, node.SessionID, kind, node.CheckpointCount, node.ToolInvocations)
	for _, child := range node.Children {
		printBranchNode(child, depth+1)
	}
}
