package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"

	"github.com/teamdocs/coedit-api/common/util"
	"github.com/teamdocs/coedit-api/database"
)

/////////////////////////////
/// Auth Handlers
/////////////////////////////

func handleAuth(c *gin.Context) {
	var r AuthRequest
	err := c.BindJSON(&r)
	if err != nil {
		log.Error().Err(err).Msg("could not parse request")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	db := database.Database()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	res, err := db.HGetAll(ctx, fmt.Sprintf("users.%v", r.Username)).Result()
	if err != nil || len(res) == 0 {
		log.Error().Err(err).Msg("failed to find user")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	var user User
	err = mapstructure.Decode(res, &user)
	if err != nil {
		log.Error().Err(err).Msg("failed to unmarshal user structure")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	if user.Password != r.Password {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	c.JSON(200, gin.H{
		"user_id": user.ID,
	})
}

/////////////////////////////
/// Document Handlers
/////////////////////////////

func handleGetDocuments(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	db := database.Database()
	keys, err := db.Keys(ctx, "documents.*").Result()
	if err != nil {
		log.Error().Err(err).Msg("failed to get document keys")
		c.AbortWithStatus(500)
		return
	}

	var documents []Document
	for _, key := range keys {
		docMap, err := db.HGetAll(ctx, key).Result()
		if err != nil {
			log.Error().Err(err).Msg("error getting document")
			c.AbortWithStatus(500)
			return
		}

		var doc Document
		err = mapstructure.Decode(docMap, &doc)
		if err != nil {
			log.Error().Err(err).Msg("error decoding map")
			c.AbortWithStatus(500)
			return
		}
		documents = append(documents, doc)
	}

	c.JSON(200, documents)
}

func handleCreateDocument(c *gin.Context) {
	var r CreateDocRequest
	err := c.BindJSON(&r)
	if err != nil {
		log.Error().Err(err).Msg("bad request")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if r.Author == "" {
		r.Author = "unknown"
	}

	db := database.Database()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	uid := util.GetRandomNumber()
	_, err = db.HSet(ctx, fmt.Sprintf("documents.%v", uid),
		"id", uid, "name", r.Name, "author", r.Author, "version", 0).Result()
	if err != nil {
		log.Error().Err(err).Msg("error creating document")
		c.AbortWithStatus(500)
		return
	}

	if err := db.Set(ctx, fmt.Sprintf("texts.%v", uid), "", 0).Err(); err != nil {
		log.Error().Err(err).Msg("error creating document text")
		db.Del(ctx, fmt.Sprintf("documents.%v", uid))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(200, Document{
		ID:     strconv.Itoa(uid),
		Name:   r.Name,
		Author: r.Author,
	})
}

func handleDeleteDocument(c *gin.Context) {
	docID := c.Param("id")
	if docID == "" {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	db := database.Database()
	if exists, err := db.
		Exists(ctx, fmt.Sprintf("documents.%v", docID)).
		Result(); exists == 0 || err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	// Tear down the live session first so nobody keeps editing a deleted
	// document.
	if err := registry.Release(ctx, docID); err != nil {
		log.Warn().Err(err).Str("document", docID).Msg("error closing live session")
	}

	if _, err := db.Del(ctx,
		fmt.Sprintf("documents.%v", docID),
		fmt.Sprintf("texts.%v", docID),
		fmt.Sprintf("acl.%v", docID),
	).Result(); err != nil {
		log.Error().Err(err).Msg("error deleting document")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.Status(200)
}
