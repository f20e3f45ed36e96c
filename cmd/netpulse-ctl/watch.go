package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/netpulse/netpulse/internal/events"
)

// watchCmd streams live events from the orchestrator
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live orchestrator events",
	Long: `Subscribe to the orchestrator's event stream and print events as they
arrive. Without flags, the fleet-wide agent and task feeds are followed.

Rooms:
  global:agents   Agent status transitions
  global:tasks    Task lifecycle events
  agent:<uuid>    Events for one agent
  task:<uuid>     Events and results for one task`,
	Example: `  # Follow the fleet-wide feeds
  netpulse-ctl watch

  # Follow a single task
  netpulse-ctl watch --task 3c9e...

  # Follow arbitrary rooms
  netpulse-ctl watch --room global:agents --room agent:6f1e...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, _ := cmd.Flags().GetStringArray("room")
		taskIDs, _ := cmd.Flags().GetStringArray("task")
		agentIDs, _ := cmd.Flags().GetStringArray("agent")

		for _, id := range taskIDs {
			rooms = append(rooms, events.RoomName(events.RoomTypeTask, id))
		}
		for _, id := range agentIDs {
			rooms = append(rooms, events.RoomName(events.RoomTypeAgent, id))
		}
		if len(rooms) == 0 {
			rooms = []string{events.RoomGlobalAgents, events.RoomGlobalTasks}
		}
		for _, room := range rooms {
			if !events.ValidRoom(room) {
				return fmt.Errorf("invalid room %q", room)
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return runWatch(ctx, rooms)
	},
}

// runWatch connects to the event stream and prints frames until ctx ends.
func runWatch(ctx context.Context, rooms []string) error {
	wsURL := strings.Replace(apiClient.baseURL, "http", "ws", 1) + "/ws"

	header := http.Header{}
	if apiClient.token != "" {
		header.Set("Authorization", "Bearer "+apiClient.token)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	for _, room := range rooms {
		msg, err := events.NewRoomMessage(events.MessageTypeSubscribe, room, nil)
		if err != nil {
			return err
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", room, err)
		}
	}

	// Unblock the read loop when the context is cancelled.
	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	Info(fmt.Sprintf("Watching %s (Ctrl-C to stop)", strings.Join(rooms, ", ")))

	for {
		var msg events.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}
		printEvent(&msg)
	}
}

// printEvent renders one event stream frame
func printEvent(msg *events.Message) {
	if outputFormat == "json" {
		out, err := json.Marshal(msg)
		if err == nil {
			fmt.Println(string(out))
		}
		return
	}

	ts := msg.Timestamp.Local().Format("15:04:05")

	switch msg.Type {
	case events.MessageTypeSubscribed:
		fmt.Printf("%s %s subscribed to %s\n", Dim(ts), Green("✓"), msg.Room)

	case events.MessageTypeAgentUpdate:
		var p events.AgentUpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			break
		}
		fmt.Printf("%s %s agent %s is now %s\n",
			Dim(ts), Cyan("agent"), truncate(p.AgentID.String(), 12), formatAgentStatus(p.Status))

	case events.MessageTypeTaskUpdate:
		var p events.TaskUpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			break
		}
		detail := ""
		if len(p.Detail) > 0 {
			if b, err := json.Marshal(p.Detail); err == nil {
				detail = " " + Dim(string(b))
			}
		}
		fmt.Printf("%s %s task %s %s%s\n",
			Dim(ts), Blue("task"), truncate(p.TaskID.String(), 12), p.Event, detail)

	case events.MessageTypeResultReceived:
		var p events.ResultReceivedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			break
		}
		fmt.Printf("%s %s task %s on %s: %s in %s\n",
			Dim(ts), Yellow("result"),
			truncate(p.TaskID.String(), 12),
			truncate(p.AgentID.String(), 12),
			formatResultStatus(p.Status),
			formatMillis(p.DurationMs))

	case events.MessageTypeError:
		var p events.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			break
		}
		fmt.Printf("%s %s %s: %s\n", Dim(ts), Red("error"), p.Code, p.Message)

	case events.MessageTypePong, events.MessageTypeUnsubscribed:
		// Not interesting on the console.

	default:
		fmt.Printf("%s %s %s\n", Dim(ts), string(msg.Type), string(msg.Payload))
	}
}

func init() {
	watchCmd.Flags().StringArray("room", nil, "Room to subscribe to (repeatable)")
	watchCmd.Flags().StringArray("task", nil, "Task ID to follow (repeatable)")
	watchCmd.Flags().StringArray("agent", nil, "Agent ID to follow (repeatable)")
}
